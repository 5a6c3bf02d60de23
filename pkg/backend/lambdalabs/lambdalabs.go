package lambdalabs

import (
	"context"

	"github.com/pkg/errors"
	"github.com/skiffhq/skiff/pkg/backend"
	"github.com/skiffhq/skiff/pkg/types"
)

const apiURL = "https://cloud.lambdalabs.com/api/v1"

// Client is the Lambda Cloud adapter
type Client struct {
	rest       *backend.RESTClient
	sshKeyName string
}

// Factory builds the adapter from decrypted credentials
func Factory(config types.BackendConfig, credentials map[string]string) (backend.Compute, error) {
	apiKey, ok := credentials["api_key"]
	if !ok {
		return nil, errors.New("lambdalabs: missing api_key credential")
	}
	return New(apiKey, credentials["ssh_key_name"]), nil
}

// New creates a Lambda Cloud adapter
func New(apiKey, sshKeyName string) *Client {
	return &Client{
		rest: backend.NewRESTClient("lambda", apiURL, map[string]string{
			"Authorization": "Bearer " + apiKey,
		}),
		sshKeyName: sshKeyName,
	}
}

func (c *Client) Kind() types.BackendKind {
	return types.BackendLambda
}

type instanceTypeSpecs struct {
	VCPUs      int   `json:"vcpus"`
	MemoryGiB  int64 `json:"memory_gib"`
	StorageGiB int64 `json:"storage_gib"`
	GPUs       int   `json:"gpus"`
}

type instanceTypeEntry struct {
	InstanceType struct {
		Name             string            `json:"name"`
		GPUDescription   string            `json:"gpu_description"`
		PriceCentsHourly int               `json:"price_cents_per_hour"`
		Specs            instanceTypeSpecs `json:"specs"`
	} `json:"instance_type"`
	RegionsWithCapacity []struct {
		Name string `json:"name"`
	} `json:"regions_with_capacity_available"`
}

type instanceTypesResponse struct {
	Data map[string]instanceTypeEntry `json:"data"`
}

func (c *Client) GetOffers(ctx context.Context, req types.Requirements) ([]types.InstanceOfferWithAvailability, error) {
	var resp instanceTypesResponse
	if err := c.rest.Do(ctx, "GET", "/instance-types", nil, &resp); err != nil {
		return nil, err
	}

	var offers []types.InstanceOfferWithAvailability
	for _, entry := range resp.Data {
		it := entry.InstanceType
		gpus := make([]types.GPU, 0, it.Specs.GPUs)
		for i := 0; i < it.Specs.GPUs; i++ {
			gpus = append(gpus, types.GPU{Name: it.GPUDescription, Vendor: "nvidia"})
		}
		resources := types.Resources{
			CPUs:      it.Specs.VCPUs,
			MemoryMiB: it.Specs.MemoryGiB * 1024,
			DiskMiB:   it.Specs.StorageGiB * 1024,
			GPUs:      gpus,
		}
		price := float64(it.PriceCentsHourly) / 100

		if len(entry.RegionsWithCapacity) == 0 {
			offers = append(offers, types.InstanceOfferWithAvailability{
				InstanceOffer: types.InstanceOffer{
					Backend:  types.BackendLambda,
					Instance: types.InstanceType{Name: it.Name, Resources: resources},
					Price:    price,
				},
				Availability: types.AvailabilityNoCapacity,
			})
			continue
		}
		for _, region := range entry.RegionsWithCapacity {
			offers = append(offers, types.InstanceOfferWithAvailability{
				InstanceOffer: types.InstanceOffer{
					Backend:  types.BackendLambda,
					Instance: types.InstanceType{Name: it.Name, Resources: resources},
					Region:   region.Name,
					Price:    price,
				},
				Availability: types.AvailabilityAvailable,
			})
		}
	}
	return offers, nil
}

type launchResponse struct {
	Data struct {
		InstanceIDs []string `json:"instance_ids"`
	} `json:"data"`
}

func (c *Client) CreateInstance(ctx context.Context, offer types.InstanceOfferWithAvailability, config backend.InstanceConfiguration) (*types.JobProvisioningData, error) {
	payload := map[string]any{
		"region_name":        offer.Region,
		"instance_type_name": offer.Instance.Name,
		"ssh_key_names":      []string{c.sshKeyName},
		"file_system_names":  []string{},
		"quantity":           1,
		"name":               config.InstanceName,
	}
	var resp launchResponse
	if err := c.rest.Do(ctx, "POST", "/instance-operations/launch", payload, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data.InstanceIDs) == 0 {
		return nil, errors.Wrapf(backend.ErrNoCapacity, "launch %s in %s", offer.Instance.Name, offer.Region)
	}

	return &types.JobProvisioningData{
		Backend:      types.BackendLambda,
		InstanceType: offer.Instance,
		InstanceID:   resp.Data.InstanceIDs[0],
		Region:       offer.Region,
		Price:        offer.Price,
		Username:     "ubuntu",
		SSHPort:      22,
		Dockerized:   true,
	}, nil
}

type instanceResponse struct {
	Data struct {
		ID     string `json:"id"`
		IP     string `json:"ip"`
		Status string `json:"status"`
	} `json:"data"`
}

func (c *Client) UpdateProvisioningData(ctx context.Context, pd *types.JobProvisioningData) (*types.JobProvisioningData, error) {
	var resp instanceResponse
	if err := c.rest.Do(ctx, "GET", "/instances/"+pd.InstanceID, nil, &resp); err != nil {
		return nil, err
	}
	updated := *pd
	if resp.Data.IP != "" {
		updated.Hostname = resp.Data.IP
	}
	return &updated, nil
}

func (c *Client) TerminateInstance(ctx context.Context, pd *types.JobProvisioningData) error {
	payload := map[string]any{
		"instance_ids": []string{pd.InstanceID},
	}
	return c.rest.Do(ctx, "POST", "/instance-operations/terminate", payload, nil)
}

func (c *Client) RequestLogs(ctx context.Context, instanceID string, tail int) ([]backend.LogFrame, error) {
	return nil, errors.New("lambdalabs: instance logs not supported")
}

func (c *Client) CreatePlacementGroup(ctx context.Context, pg *types.PlacementGroup) (*backend.PlacementGroupProvisioningData, error) {
	return nil, errors.New("lambdalabs: placement groups not supported")
}

func (c *Client) DeletePlacementGroup(ctx context.Context, pg *types.PlacementGroup) error {
	return errors.New("lambdalabs: placement groups not supported")
}

type filesystemResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (c *Client) CreateVolume(ctx context.Context, config backend.VolumeConfiguration) (*backend.VolumeProvisioningData, error) {
	payload := map[string]any{
		"name":   config.Name,
		"region": config.Region,
	}
	var resp filesystemResponse
	if err := c.rest.Do(ctx, "POST", "/filesystems", payload, &resp); err != nil {
		return nil, err
	}
	return &backend.VolumeProvisioningData{VolumeID: resp.Data.ID, SizeGiB: config.SizeGiB}, nil
}

func (c *Client) DeleteVolume(ctx context.Context, volumeID string) error {
	return c.rest.Do(ctx, "DELETE", "/filesystems/"+volumeID, nil, nil)
}

func (c *Client) AttachVolume(ctx context.Context, volumeID string, pd *types.JobProvisioningData) (*backend.VolumeAttachmentData, error) {
	// Filesystems attach at launch; late attach is not offered by the API
	return nil, errors.New("lambdalabs: volume attach after launch not supported")
}

func (c *Client) DetachVolume(ctx context.Context, volumeID string, pd *types.JobProvisioningData) error {
	return errors.New("lambdalabs: volume detach not supported")
}
