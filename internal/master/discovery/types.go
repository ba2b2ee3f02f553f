// Package discovery enumerates registered workers and resolves what each
// one can do. Registry state gives the worker set; each worker's manifest
// gives services and prices. Manifests are fetched lazily and cached with
// a TTL, so a burst of selections does not hammer worker endpoints.
package discovery

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Service is one priced capability from a worker's manifest.
type Service struct {
	ServiceID   string         `json:"service_id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	PriceWei    string         `json:"price_wei"`
	Worker      common.Address `json:"worker"`
	Endpoint    string         `json:"endpoint"`
}

// Price returns the service price as a big integer. A missing or
// malformed price reads as zero.
func (s Service) Price() *big.Int {
	price, ok := new(big.Int).SetString(s.PriceWei, 10)
	if !ok {
		return new(big.Int)
	}
	return price
}

// Manifest is the worker's self-declared service list, fetched from its
// /manifest endpoint.
type Manifest struct {
	Worker   string            `json:"worker"`
	Endpoint string            `json:"endpoint"`
	Services []ManifestService `json:"services"`
}

// ManifestService is a single entry in the raw manifest.
type ManifestService struct {
	ServiceID   string `json:"service_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	PriceWei    string `json:"price_wei"`
}

// WorkerView joins the on-chain record with the fetched manifest.
type WorkerView struct {
	Address          common.Address `json:"address"`
	Reputation       *big.Int       `json:"reputation"`
	IsActive         bool           `json:"is_active"`
	RegistrationTime time.Time      `json:"registration_time"`
	Endpoint         string         `json:"endpoint"`
	Services         []Service      `json:"services"`
	Reachable        bool           `json:"reachable"`
}

// OffersService returns the worker's entry for the given service type, if
// any.
func (w WorkerView) OffersService(serviceID string) (Service, bool) {
	for _, svc := range w.Services {
		if svc.ServiceID == serviceID {
			return svc, true
		}
	}
	return Service{}, false
}

// CapabilitySummary is the cached, deduplicated market view.
type CapabilitySummary struct {
	Services              []Service `json:"services"`
	AvailableServiceTypes []string  `json:"available_service_types"`
	GeneratedAt           time.Time `json:"generated_at"`
}
