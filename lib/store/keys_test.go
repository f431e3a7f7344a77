package store

import "testing"

func TestKeys(t *testing.T) {
	cases := []struct {
		got, exp string
	}{
		{ConfirmationsKey("R1"), "router:R1:confirmations"},
		{UserTransactionsKey("alice"), "router:user_transactions:alice"},
		{AssetTransactionsKey("USD"), "router:asset_transactions:USD"},
		{AssetKey("USD"), "router:asset:USD"},
		{HeartbeatKey("USD", "R1"), "router:heartbeat:USD:R1"},
	}

	for i, c := range cases {
		if c.got != c.exp {
			t.Errorf("[%d] got %s expected %s", i, c.got, c.exp)
		}
	}
}
