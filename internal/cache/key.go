package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/shehryarbajwa/webgrab/pkg/models"
)

// volatileFields never change the content of a result.
var volatileFields = []string{"base64"}

// Key computes the cache key of op for userID.
func Key(userID string, op models.Operation) (string, error) {
	params, err := normalizedParams(op)
	if err != nil {
		return "", err
	}
	// encoding/json sorts map keys, so this is canonical.
	canonical, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("canonicalize params: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return fmt.Sprintf("%s:%s:%s", op.Kind(), userID, hex.EncodeToString(sum[:])), nil
}

func normalizedParams(op models.Operation) (map[string]any, error) {
	raw, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	params := map[string]any{}
	if err := dec.Decode(&params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}

	for _, f := range volatileFields {
		delete(params, f)
	}
	if u, ok := params["url"].(string); ok {
		params["url"] = NormalizeURL(u)
	}

	switch o := op.(type) {
	case *models.SearchRequest:
		params["query"] = strings.ToLower(strings.Join(strings.Fields(o.Query), " "))
		params["limit"] = o.EffectiveLimit()
	case *models.JSONRequest:
		params["responseType"] = o.EffectiveResponseType()
	case *models.ScreenshotRequest:
		if o.Format == "" {
			params["format"] = "png"
		}
	}
	return params, nil
}

// NormalizeURL lowercases scheme and host, drops default ports and the
// fragment, and sorts the query string.
func NormalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = host + ":" + port
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
	return u.String()
}
