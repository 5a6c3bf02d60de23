package vastai

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/skiffhq/skiff/pkg/backend"
	"github.com/skiffhq/skiff/pkg/types"
)

const apiURL = "https://console.vast.ai/api/v0"

// Client is the Vast.ai marketplace adapter. Offers are "bundles"; creating
// an instance accepts an ask against a bundle id, which doubles as the
// instance type name.
type Client struct {
	rest *backend.RESTClient
}

// Factory builds the adapter from decrypted credentials
func Factory(config types.BackendConfig, credentials map[string]string) (backend.Compute, error) {
	apiKey, ok := credentials["api_key"]
	if !ok {
		return nil, errors.New("vastai: missing api_key credential")
	}
	return New(apiKey), nil
}

// New creates a Vast.ai adapter
func New(apiKey string) *Client {
	return &Client{
		rest: backend.NewRESTClient("vastai", apiURL, map[string]string{
			"Authorization": "Bearer " + apiKey,
		}),
	}
}

func (c *Client) Kind() types.BackendKind {
	return types.BackendVastAI
}

type bundle struct {
	ID          int     `json:"id"`
	GPUName     string  `json:"gpu_name"`
	NumGPUs     int     `json:"num_gpus"`
	GPURAM      int     `json:"gpu_ram"` // MiB
	CPUCores    int     `json:"cpu_cores"`
	CPURAM      int64   `json:"cpu_ram"` // MiB
	DiskSpace   float64 `json:"disk_space"`
	DPHTotal    float64 `json:"dph_total"`
	GeoLocation string  `json:"geolocation"`
	Rentable    bool    `json:"rentable"`
}

type bundlesResponse struct {
	Offers []bundle `json:"offers"`
}

func (c *Client) GetOffers(ctx context.Context, req types.Requirements) ([]types.InstanceOfferWithAvailability, error) {
	query := map[string]any{
		"rentable":  map[string]any{"eq": true},
		"cpu_cores": map[string]any{"gte": req.MinCPUs},
		"cpu_ram":   map[string]any{"gte": req.MinMemoryMiB},
	}
	if req.MinGPUs > 0 {
		query["num_gpus"] = map[string]any{"gte": req.MinGPUs}
	}
	if req.GPUName != "" {
		query["gpu_name"] = map[string]any{"eq": req.GPUName}
	}

	var resp bundlesResponse
	if err := c.rest.Do(ctx, "POST", "/bundles/", query, &resp); err != nil {
		return nil, err
	}

	offers := make([]types.InstanceOfferWithAvailability, 0, len(resp.Offers))
	for _, b := range resp.Offers {
		gpus := make([]types.GPU, 0, b.NumGPUs)
		for i := 0; i < b.NumGPUs; i++ {
			gpus = append(gpus, types.GPU{Name: b.GPUName, Vendor: "nvidia", MemoryMiB: b.GPURAM})
		}
		availability := types.AvailabilityAvailable
		if !b.Rentable {
			availability = types.AvailabilityNotAvailable
		}
		offers = append(offers, types.InstanceOfferWithAvailability{
			InstanceOffer: types.InstanceOffer{
				Backend: types.BackendVastAI,
				Instance: types.InstanceType{
					Name: fmt.Sprintf("%d", b.ID),
					Resources: types.Resources{
						CPUs:      b.CPUCores,
						MemoryMiB: b.CPURAM,
						DiskMiB:   int64(b.DiskSpace * 1024),
						GPUs:      gpus,
						Spot:      false,
					},
				},
				Region: b.GeoLocation,
				Price:  b.DPHTotal,
			},
			Availability: availability,
		})
	}
	sort.SliceStable(offers, func(i, j int) bool { return offers[i].Price < offers[j].Price })
	return offers, nil
}

type createResponse struct {
	Success     bool `json:"success"`
	NewContract int  `json:"new_contract"`
}

func (c *Client) CreateInstance(ctx context.Context, offer types.InstanceOfferWithAvailability, config backend.InstanceConfiguration) (*types.JobProvisioningData, error) {
	payload := map[string]any{
		"client_id": "me",
		"label":     config.InstanceName,
		"image":     "ubuntu:22.04",
		"disk":      offer.Instance.Resources.DiskMiB / 1024,
		"onstart":   config.UserData,
		"runtype":   "ssh_direc",
		"env": map[string]string{
			"-p 10022:10022": "1",
		},
	}

	var resp createResponse
	err := c.rest.Do(ctx, "PUT", "/asks/"+offer.Instance.Name+"/", payload, &resp)
	if err != nil {
		return nil, err
	}
	// An unrentable bundle answers 200 with success=false
	if !resp.Success {
		return nil, errors.Wrapf(backend.ErrNoCapacity, "bundle %s", offer.Instance.Name)
	}

	return &types.JobProvisioningData{
		Backend:      types.BackendVastAI,
		InstanceType: offer.Instance,
		InstanceID:   fmt.Sprintf("%d", resp.NewContract),
		Region:       offer.Region,
		Price:        offer.Price,
		Username:     "root",
		SSHPort:      10022,
		Dockerized:   false,
	}, nil
}

type instanceInfo struct {
	ID          int    `json:"id"`
	PublicIP    string `json:"public_ipaddr"`
	SSHHost     string `json:"ssh_host"`
	SSHPort     int    `json:"ssh_port"`
	ActualState string `json:"actual_status"`
}

type instancesResponse struct {
	Instances []instanceInfo `json:"instances"`
}

func (c *Client) UpdateProvisioningData(ctx context.Context, pd *types.JobProvisioningData) (*types.JobProvisioningData, error) {
	var resp instancesResponse
	if err := c.rest.Do(ctx, "GET", "/instances/", nil, &resp); err != nil {
		return nil, err
	}
	for _, inst := range resp.Instances {
		if fmt.Sprintf("%d", inst.ID) != pd.InstanceID {
			continue
		}
		updated := *pd
		if inst.SSHHost != "" {
			updated.Hostname = inst.SSHHost
			updated.SSHPort = inst.SSHPort
		} else if inst.PublicIP != "" {
			updated.Hostname = inst.PublicIP
		}
		return &updated, nil
	}
	return nil, errors.Wrapf(backend.ErrNotFound, "instance %s", pd.InstanceID)
}

type destroyResponse struct {
	Success bool `json:"success"`
}

func (c *Client) TerminateInstance(ctx context.Context, pd *types.JobProvisioningData) error {
	var resp destroyResponse
	err := c.rest.Do(ctx, "DELETE", "/instances/"+pd.InstanceID+"/", nil, &resp)
	if err != nil {
		return err
	}
	if !resp.Success {
		return backend.NewBackendError("vastai", "destroy instance %s rejected", pd.InstanceID)
	}
	return nil
}

type logsResponse struct {
	Success bool   `json:"success"`
	Logs    string `json:"result_url"`
}

func (c *Client) RequestLogs(ctx context.Context, instanceID string, tail int) ([]backend.LogFrame, error) {
	var resp logsResponse
	payload := map[string]any{"tail": fmt.Sprintf("%d", tail)}
	err := c.rest.Do(ctx, "PUT", "/instances/request_logs/"+instanceID+"/", payload, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, backend.NewBackendError("vastai", "log request for %s rejected", instanceID)
	}
	return []backend.LogFrame{{Message: resp.Logs}}, nil
}

// Vast.ai has no placement groups or managed volumes

func (c *Client) CreatePlacementGroup(ctx context.Context, pg *types.PlacementGroup) (*backend.PlacementGroupProvisioningData, error) {
	return nil, errors.New("vastai: placement groups not supported")
}

func (c *Client) DeletePlacementGroup(ctx context.Context, pg *types.PlacementGroup) error {
	return errors.New("vastai: placement groups not supported")
}

func (c *Client) CreateVolume(ctx context.Context, config backend.VolumeConfiguration) (*backend.VolumeProvisioningData, error) {
	return nil, errors.New("vastai: volumes not supported")
}

func (c *Client) DeleteVolume(ctx context.Context, volumeID string) error {
	return errors.New("vastai: volumes not supported")
}

func (c *Client) AttachVolume(ctx context.Context, volumeID string, pd *types.JobProvisioningData) (*backend.VolumeAttachmentData, error) {
	return nil, errors.New("vastai: volumes not supported")
}

func (c *Client) DetachVolume(ctx context.Context, volumeID string, pd *types.JobProvisioningData) error {
	return errors.New("vastai: volumes not supported")
}
