package restapi

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/lorrc/portal-sync/internal/core/domain"
	apperrors "github.com/lorrc/portal-sync/internal/core/errors"
)

// listKeys are tried after the endpoint's own key.
var listKeys = []string{"data", "items", "results"}

// ParseList accepts either a bare array or an object wrapping the array
// under key (or one of the common fallbacks) and returns the records in it.
// Non-object elements are skipped.
func ParseList(body []byte, key string) ([]domain.Record, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return []domain.Record{}, nil
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("list response: %w", apperrors.ErrMalformedPayload)
	}

	root := gjson.ParseBytes(body)
	if root.IsObject() {
		if ok := root.Get("success"); ok.Exists() && ok.Type == gjson.False {
			msg := firstString(root, "error", "error.message", "message")
			return nil, fmt.Errorf("%w: %s", apperrors.ErrFetchFailed, msg)
		}
		root = findArray(root, key)
	}
	if !root.IsArray() {
		return []domain.Record{}, nil
	}

	records := make([]domain.Record, 0, len(root.Array()))
	var decodeErr error
	root.ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			return true
		}
		var r domain.Record
		if err := json.Unmarshal([]byte(item.Raw), &r); err != nil {
			decodeErr = err
			return false
		}
		records = append(records, r)
		return true
	})
	if decodeErr != nil {
		return nil, fmt.Errorf("list item: %w", apperrors.ErrMalformedPayload)
	}
	return records, nil
}

func findArray(obj gjson.Result, key string) gjson.Result {
	candidates := make([]string, 0, len(listKeys)*2+1)
	if key != "" {
		candidates = append(candidates, gjson.Escape(key))
	}
	candidates = append(candidates, listKeys...)
	if key != "" {
		candidates = append(candidates, "data."+gjson.Escape(key))
	}

	for _, path := range candidates {
		if r := obj.Get(path); r.IsArray() {
			return r
		}
	}
	return gjson.Result{}
}

// ParseMutationResult reads { success, message?, error?, ...extra }. A body
// without a success flag is judged by the HTTP status.
func ParseMutationResult(status int, body []byte) *domain.MutationResult {
	result := &domain.MutationResult{
		Success: status >= 200 && status < 300,
		Extra:   domain.Record{},
	}
	if !gjson.ValidBytes(body) {
		if status >= 300 {
			result.Error = strings.TrimSpace(string(body))
			if len(result.Error) > 200 || strings.HasPrefix(result.Error, "<") {
				result.Error = ""
			}
		}
		return result
	}

	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return result
	}
	if s := root.Get("success"); s.Exists() {
		result.Success = s.Bool() && status < 300
	}
	result.Message = root.Get("message").String()
	result.Error = firstString(root, "error.message", "error")

	root.ForEach(func(k, v gjson.Result) bool {
		switch k.String() {
		case "success", "message", "error":
		default:
			result.Extra[k.String()] = v.Value()
		}
		return true
	})
	return result
}

// ParsePermissions accepts a flag map or a list of granted flags, bare or
// wrapped under "permissions" or "data".
func ParsePermissions(body []byte) (domain.PermissionSet, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("permissions response: %w", apperrors.ErrMalformedPayload)
	}

	root := gjson.ParseBytes(body)
	for _, path := range []string{"permissions", "data.permissions", "data"} {
		if r := root.Get(path); r.IsObject() || r.IsArray() {
			root = r
			break
		}
	}

	perms := domain.PermissionSet{}
	switch {
	case root.IsArray():
		root.ForEach(func(_, v gjson.Result) bool {
			if v.Type == gjson.String && v.String() != "" {
				perms[v.String()] = true
			}
			return true
		})
	case root.IsObject():
		root.ForEach(func(k, v gjson.Result) bool {
			if k.String() == "success" {
				return true
			}
			if v.Type == gjson.True || v.Type == gjson.False {
				perms[k.String()] = v.Bool()
			}
			return true
		})
	default:
		return nil, fmt.Errorf("permissions response: %w", apperrors.ErrMalformedPayload)
	}
	return perms, nil
}

func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := r.Get(p); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
