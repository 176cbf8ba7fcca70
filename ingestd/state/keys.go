package state

import "fmt"

// Key families. Every key is namespaced so a shop's state can be purged
// with a bounded set of scans on cascade delete.

// PriceKey holds the last observed price for a product.
// TTL 7 days.
func PriceKey(shopID, nmID int64) string {
	return fmt.Sprintf("state:price:%d:%d", shopID, nmID)
}

// StockKey holds the last observed stock for a product at a warehouse.
// TTL 3 days.
func StockKey(shopID, nmID, warehouseID int64) string {
	return fmt.Sprintf("state:stock:%d:%d:%d", shopID, nmID, warehouseID)
}

// ContentKey holds the content fingerprint hash for a product.
// TTL 3 days.
func ContentKey(shopID, nmID int64) string {
	return fmt.Sprintf("state:content:%d:%d", shopID, nmID)
}

// CampaignKey holds the campaign state hash (bid, status, items, budget).
// TTL 7 days.
func CampaignKey(shopID, campaignID int64) string {
	return fmt.Sprintf("ads:state:%d:%d", shopID, campaignID)
}

// ProxyBindKey holds the sticky proxy binding for a shop.
func ProxyBindKey(shopID int64) string {
	return fmt.Sprintf("proxy:bind:%d", shopID)
}

// TaskLockKey is the NX dedup token for one task of one shop.
func TaskLockKey(task string, shopID int64) string {
	return fmt.Sprintf("task-lock:%s:%d", task, shopID)
}

// SyncProgressKey holds the JSON progress record for a backfill.
// TTL 24 hours.
func SyncProgressKey(shopID int64) string {
	return fmt.Sprintf("sync-progress:%d", shopID)
}

// OrchestratorLockKey guards a full backfill run for a shop.
func OrchestratorLockKey(shopID int64) string {
	return fmt.Sprintf("orchestrator:%d", shopID)
}

// PerformanceTokenKey caches the Ozon Performance OAuth2 bearer.
func PerformanceTokenKey(shopID int64) string {
	return fmt.Sprintf("performance-token:%d", shopID)
}

// BreakerKey holds the circuit state scalar for a shop.
func BreakerKey(shopID int64) string {
	return fmt.Sprintf("breaker:%d", shopID)
}

// BreakerFailuresKey holds the consecutive-401 counter for a shop.
func BreakerFailuresKey(shopID int64) string {
	return fmt.Sprintf("breaker:failures:%d", shopID)
}

// BreakerProxiesKey holds the set of distinct proxies that observed 401s.
func BreakerProxiesKey(shopID int64) string {
	return fmt.Sprintf("breaker:proxies:%d", shopID)
}

// BreakerProbeKey is the NX token that admits a single HALF_OPEN probe.
func BreakerProbeKey(shopID int64) string {
	return fmt.Sprintf("breaker:probe:%d", shopID)
}

// RateWindowKey is the sliding-window sorted set for one limiter scope
// and shop. Scope embeds the marketplace so two APIs of the same
// provider never share a window.
func RateWindowKey(scope string, shopID int64) string {
	return fmt.Sprintf("rl:%s:%d", scope, shopID)
}

// shopPatterns enumerates the key patterns removed by Purge.
func shopPatterns(shopID int64) []string {
	return []string{
		fmt.Sprintf("state:price:%d:*", shopID),
		fmt.Sprintf("state:stock:%d:*", shopID),
		fmt.Sprintf("state:content:%d:*", shopID),
		fmt.Sprintf("ads:state:%d:*", shopID),
		fmt.Sprintf("proxy:bind:%d", shopID),
		fmt.Sprintf("task-lock:*:%d", shopID),
		fmt.Sprintf("sync-progress:%d", shopID),
		fmt.Sprintf("orchestrator:%d", shopID),
		fmt.Sprintf("performance-token:%d", shopID),
		fmt.Sprintf("breaker:%d", shopID),
		fmt.Sprintf("breaker:failures:%d", shopID),
		fmt.Sprintf("breaker:proxies:%d", shopID),
		fmt.Sprintf("breaker:probe:%d", shopID),
		fmt.Sprintf("rl:*:%d", shopID),
	}
}
