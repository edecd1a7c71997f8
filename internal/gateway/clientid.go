package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"tradegateway/internal/core"
	"tradegateway/pkg/money"
)

// deterministicClientOrderID hashes (agentID, symbol, side, amount, price,
// orderType, nonce) into a stable client order id: resubmitting the same
// logical order with the same nonce always yields the same id, which is
// what makes Gateway.Submit idempotent (spec §4.9 step 1).
func deterministicClientOrderID(agentID, symbol string, side core.OrderSide, amount money.Money,
	price *money.Money, orderType core.OrderType, nonce string) string {
	priceStr := ""
	if price != nil {
		priceStr = price.String()
	}

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%s",
		agentID, symbol, string(side), amount.String(), priceStr, string(orderType), nonce)
	return "co-" + hex.EncodeToString(h.Sum(nil))[:32]
}
