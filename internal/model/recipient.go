// internal/model/recipient.go
package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Recipient is a customer targeted by a campaign. Address is the channel
// address (phone number for sms / whatsapp).
type Recipient struct {
	ID       int            `db:"id" json:"id"`
	Address  string         `db:"phone" json:"phone"`
	Name     string         `db:"name" json:"name"`
	Email    string         `db:"email" json:"email,omitempty"`
	Metadata map[string]any `db:"metadata" json:"metadata,omitempty"`
}

// Attributes flattens the recipient into the key/value map used for
// personalization. Metadata keys are lifted to the top level and nested
// objects are joined with a dot. Keys are lower-cased.
func (r Recipient) Attributes() map[string]string {
	attrs := map[string]string{}
	flatten("", r.Metadata, attrs)
	if r.Name != "" {
		attrs["name"] = r.Name
	}
	if r.Address != "" {
		attrs["phone"] = r.Address
		attrs["address"] = r.Address
	}
	if r.Email != "" {
		attrs["email"] = r.Email
	}
	return attrs
}

func flatten(prefix string, in map[string]any, out map[string]string) {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		key := strings.ToLower(strings.TrimSpace(k))
		if prefix != "" {
			key = prefix + "." + key
		}
		switch v := in[k].(type) {
		case nil:
		case map[string]any:
			flatten(key, v, out)
		case string:
			out[key] = v
		case float64:
			out[key] = strconv.FormatFloat(v, 'f', -1, 64)
		default:
			out[key] = fmt.Sprint(v)
		}
	}
}
