package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
)

// SignatureHeader carries "sha256=<hex HMAC of the body>" when the endpoint
// has a secret.
const SignatureHeader = "X-Dayslot-Signature"

// PassHeader carries the pass id so receivers can deduplicate retries.
const PassHeader = "X-Dayslot-Pass-Id"

// DeliveryHeader carries a ULID that is unique per notice and stable across
// its retries.
const DeliveryHeader = "X-Dayslot-Delivery-Id"

// Sign returns the SignatureHeader value for body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// post delivers one payload to ep. It returns nil only for a 2xx response.
func post(ctx context.Context, client *http.Client, ep *endpoint, n notice) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.url, bytes.NewReader(n.body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(PassHeader, n.passID)
	req.Header.Set(DeliveryHeader, n.deliveryID)
	if ep.secret != "" {
		req.Header.Set(SignatureHeader, Sign(ep.secret, n.body))
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: POST to %s: %w", ep.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: endpoint returned %d", resp.StatusCode)
	}
	return nil
}
