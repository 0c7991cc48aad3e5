package rediskey

import "fmt"

// Key conventions shared by everything that writes to redis.
const (
	PinFailurePrefix    = "giftcard:pin_failures"
	TemplateCachePrefix = "giftcard:templates"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildPinFailureKey returns "giftcard:pin_failures:{code}"
func BuildPinFailureKey(code string) string {
	return NamespaceKey(PinFailurePrefix, code)
}

// BuildTemplateCacheKey returns "giftcard:templates:{scope}"
func BuildTemplateCacheKey(scope string) string {
	return NamespaceKey(TemplateCachePrefix, scope)
}
