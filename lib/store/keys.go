package store

const prefix = "router:"

// ConfirmationsKey is the hash of confirmation record id to serialized record owned by routerID.
func ConfirmationsKey(routerID string) string {
	return prefix + routerID + ":confirmations"
}

// UserTransactionsKey is the set of confirmation record ids involving accountID.
func UserTransactionsKey(accountID string) string {
	return prefix + "user_transactions:" + accountID
}

// AssetTransactionsKey is the set of confirmation record ids for assetID.
func AssetTransactionsKey(assetID string) string {
	return prefix + "asset_transactions:" + assetID
}

// AssetKey is the hash holding the authority registration of assetID.
func AssetKey(assetID string) string {
	return prefix + "asset:" + assetID
}

// HeartbeatKey holds the last heartbeat timestamp of routerID for assetID.
func HeartbeatKey(assetID, routerID string) string {
	return prefix + "heartbeat:" + assetID + ":" + routerID
}
