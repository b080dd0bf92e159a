package config

import "regexp"

// Redacted is substituted for any value Sanitize decides to hide.
const Redacted = "[REDACTED]"

var sensitiveKey = regexp.MustCompile(`(?i)token|secret|key|password`)

// Sanitize returns a deep copy of cfg.Raw with every value under a key
// matching /token|secret|key|password/i, every value under an "env" key,
// and gateway.auth.token replaced by Redacted.
func (c *Config) Sanitize() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sanitizeValue("", c.Raw, false).(map[string]interface{})
}

// sanitizeValue walks the tree. forceRedact is set for every value nested
// under a key named "env", regardless of the key's own name.
func sanitizeValue(key string, v interface{}, forceRedact bool) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			childRedact := forceRedact || k == "env"
			if sensitiveKey.MatchString(k) {
				out[k] = Redacted
				continue
			}
			out[k] = sanitizeValue(k, val, childRedact)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = sanitizeValue(key, val, forceRedact)
		}
		return out
	default:
		if forceRedact {
			return Redacted
		}
		return v
	}
}
