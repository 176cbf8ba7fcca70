// Package domain defines core types shared across the ingestion fabric.
package domain

import (
	"fmt"
	"time"
)

// Marketplace is the commerce platform a shop is bound to.
type Marketplace string

const (
	MarketplaceWildberries Marketplace = "wildberries"
	MarketplaceOzon        Marketplace = "ozon"
)

// Valid reports whether m is a known marketplace kind.
func (m Marketplace) Valid() bool {
	return m == MarketplaceWildberries || m == MarketplaceOzon
}

// ShopStatus is the lifecycle status of a shop.
//
// Only the circuit breaker writes StatusAuthError; only the
// orchestrator writes StatusSyncing and flips it back to StatusActive.
type ShopStatus string

const (
	ShopActive    ShopStatus = "active"
	ShopSyncing   ShopStatus = "syncing"
	ShopAuthError ShopStatus = "auth_error"
	ShopPaused    ShopStatus = "paused"
)

// Shop is a tenant account bound to one marketplace.
type Shop struct {
	ID            int64
	OwnerID       int64
	Name          string
	Marketplace   Marketplace
	Status        ShopStatus
	StatusMessage string
	// Envelope is the encrypted credential blob. Plaintext credentials
	// never leave the credentials package.
	Envelope  []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Credentials is the decrypted per-shop credential set.
// The primary token is required; the Ozon fields are optional
// secondary credentials.
type Credentials struct {
	Token string `json:"token"`

	OzonClientID     string `json:"ozon_client_id,omitempty"`
	PerfClientID     string `json:"perf_client_id,omitempty"`
	PerfClientSecret string `json:"perf_client_secret,omitempty"`
}

// ProxyProtocol is the proxy dialing protocol.
type ProxyProtocol string

const (
	ProxyHTTP   ProxyProtocol = "http"
	ProxySOCKS5 ProxyProtocol = "socks5"
)

// ProxyKind classifies the upstream network of a proxy.
type ProxyKind string

const (
	ProxyDatacenter  ProxyKind = "datacenter"
	ProxyResidential ProxyKind = "residential"
	ProxyMobile      ProxyKind = "mobile"
)

// ProxyStatus is the operational status of a proxy record.
type ProxyStatus string

const (
	ProxyActive   ProxyStatus = "active"
	ProxyInactive ProxyStatus = "inactive"
	ProxyBanned   ProxyStatus = "banned"
	ProxyTesting  ProxyStatus = "testing"
)

// Proxy is an upstream HTTP proxy record.
type Proxy struct {
	ID       int64
	Host     string
	Port     int
	Protocol ProxyProtocol
	Kind     ProxyKind
	Username string
	// Password is stored encrypted in OLTP; here it is the decrypted
	// value ready for dialing.
	Password     string
	Status       ProxyStatus
	SuccessCount int64
	FailureCount int64
}

// URL renders the proxy as a dialable URL.
func (p *Proxy) URL() string {
	if p.Username != "" {
		return fmt.Sprintf("%s://%s:%s@%s:%d", p.Protocol, p.Username, p.Password, p.Host, p.Port)
	}
	return fmt.Sprintf("%s://%s:%d", p.Protocol, p.Host, p.Port)
}

// SuccessRate is the derived success ratio used for weighted selection.
// A proxy with no history gets a neutral 0.5 so it still receives traffic.
func (p *Proxy) SuccessRate() float64 {
	total := p.SuccessCount + p.FailureCount
	if total == 0 {
		return 0.5
	}
	return float64(p.SuccessCount) / float64(total)
}
