package offers

import (
	"context"
	"fmt"
	"sort"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/mitchellh/hashstructure/v2"
	gocache "github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"github.com/skiffhq/skiff/pkg/backend"
	"github.com/skiffhq/skiff/pkg/log"
	"github.com/skiffhq/skiff/pkg/placement"
	"github.com/skiffhq/skiff/pkg/types"
)

const (
	// CacheTTL bounds how stale per-backend offer lists may get
	CacheTTL = 60 * time.Second

	// DefaultTopK caps the number of offers returned
	DefaultTopK = 50
)

// reservationBackends are the kinds that honor capacity reservations
var reservationBackends = map[types.BackendKind]bool{
	types.BackendAWS: true,
}

// Engine merges offers from all enabled backends, filters them by profile
// and requirements, and returns a deterministic ranked list. The engine is
// pure with respect to its inputs; per-backend results are cached for
// CacheTTL so repeated placement attempts do not hammer the cloud APIs.
type Engine struct {
	computes []backend.Compute
	cache    *gocache.Cache
	topK     int
}

// NewEngine creates an offer engine over the configured backends
func NewEngine(computes []backend.Compute) *Engine {
	return &Engine{
		computes: computes,
		cache:    gocache.New(CacheTTL, 2*CacheTTL),
		topK:     DefaultTopK,
	}
}

func cacheKey(kind types.BackendKind, req types.Requirements) (string, error) {
	h, err := hashstructure.Hash(req, hashstructure.FormatV2, nil)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%d", kind, h), nil
}

// getOffersCached returns one backend's offers, from cache when fresh
func (e *Engine) getOffersCached(ctx context.Context, c backend.Compute, req types.Requirements) ([]types.InstanceOfferWithAvailability, error) {
	key, err := cacheKey(c.Kind(), req)
	if err != nil {
		return nil, err
	}
	if cached, ok := e.cache.Get(key); ok {
		return cached.([]types.InstanceOfferWithAvailability), nil
	}
	offers, err := c.GetOffers(ctx, req)
	if err != nil {
		return nil, err
	}
	e.cache.Set(key, offers, gocache.DefaultExpiration)
	return offers, nil
}

// GetOffers fans out to the backends enabled by the profile, filters, ranks,
// and returns at most topK offers. A failing backend is logged and skipped;
// the aggregate error is returned only if every backend failed.
func (e *Engine) GetOffers(ctx context.Context, profile types.Profile, req types.Requirements) ([]types.InstanceOfferWithAvailability, error) {
	logger := log.WithComponent("offers")

	enabled := e.computes
	if len(profile.Backends) > 0 {
		enabled = lo.Filter(e.computes, func(c backend.Compute, _ int) bool {
			return lo.Contains(profile.Backends, c.Kind())
		})
	}

	var merged []types.InstanceOfferWithAvailability
	var errs *multierror.Error
	failed := 0
	for _, c := range enabled {
		offers, err := e.getOffersCached(ctx, c, req)
		if err != nil {
			logger.Warn().Err(err).Str("backend", string(c.Kind())).Msg("failed to get offers")
			errs = multierror.Append(errs, err)
			failed++
			continue
		}
		merged = append(merged, offers...)
	}
	if len(enabled) > 0 && failed == len(enabled) {
		return nil, errs.ErrorOrNil()
	}

	filtered := lo.Filter(merged, func(o types.InstanceOfferWithAvailability, _ int) bool {
		return Matches(o, profile, req)
	})

	Rank(filtered)
	if len(filtered) > e.topK {
		filtered = filtered[:e.topK]
	}
	return filtered, nil
}

// Matches reports whether an offer satisfies the profile and requirements
func Matches(o types.InstanceOfferWithAvailability, profile types.Profile, req types.Requirements) bool {
	if o.Availability == types.AvailabilityNotAvailable {
		return false
	}
	if len(profile.Regions) > 0 && !lo.Contains(profile.Regions, o.Region) {
		return false
	}
	if !spotAllowed(o.Instance.Resources.Spot, profile.Spot, req.Spot) {
		return false
	}
	if !placement.ResourcesSatisfy(o.Instance.Resources, req) {
		return false
	}
	maxPrice := req.MaxPrice
	if maxPrice == 0 {
		maxPrice = profile.MaxPrice
	}
	if maxPrice > 0 && o.Price > maxPrice {
		return false
	}
	reservation := req.Reservation
	if reservation == "" {
		reservation = profile.Reservation
	}
	if reservation != "" && !reservationBackends[o.Backend] {
		return false
	}
	return true
}

func spotAllowed(offerSpot bool, policies ...types.SpotPolicy) bool {
	for _, p := range policies {
		switch p {
		case types.SpotPolicySpot:
			if !offerSpot {
				return false
			}
		case types.SpotPolicyOnDemand:
			if offerSpot {
				return false
			}
		}
	}
	return true
}

// availabilityRank orders capacity classes: real capacity first, then idle
// reuse, then quota-limited, then everything else
func availabilityRank(a types.Availability) int {
	switch a {
	case types.AvailabilityAvailable:
		return 0
	case types.AvailabilityIdle:
		return 1
	case types.AvailabilityNoQuota:
		return 2
	case types.AvailabilityUnknown:
		return 3
	default: // no_capacity sorts last
		return 4
	}
}

// Rank sorts offers in place: offers with capacity first, then by price,
// then by the stable (backend, region, instance type) key so the result is
// deterministic for identical inputs.
func Rank(offers []types.InstanceOfferWithAvailability) {
	sort.SliceStable(offers, func(i, j int) bool {
		oi, oj := offers[i], offers[j]
		ri, rj := availabilityRank(oi.Availability), availabilityRank(oj.Availability)
		if ri != rj {
			return ri < rj
		}
		if oi.Price != oj.Price {
			return oi.Price < oj.Price
		}
		ki := fmt.Sprintf("%s/%s/%s", oi.Backend, oi.Region, oi.Instance.Name)
		kj := fmt.Sprintf("%s/%s/%s", oj.Backend, oj.Region, oj.Instance.Name)
		return ki < kj
	})
}
