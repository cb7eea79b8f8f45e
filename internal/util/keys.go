package util

import "strconv"

// VariantKey builds the provider key for one (resource, encoding) slot.
func VariantKey(ns string, id uint64, encoding string) string {
	return "variant:" + ns + ":" + strconv.FormatUint(id, 10) + ":" + encoding
}

// ResourceKey builds the generation-store key for a resource.
func ResourceKey(ns string, id uint64) string {
	return "res:" + ns + ":" + strconv.FormatUint(id, 10)
}
