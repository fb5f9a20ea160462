package postgres

import (
	"strings"

	"github.com/tidwall/gjson"
)

var (
	environmentKeys = []string{"environment", "Environment", "env", "Env"}
	locationKeys    = []string{"location", "Location", "region", "Region"}
)

// classify derives the environment and location columns from a metadata
// blob. The layout of the blob differs per provider: GCP uses a "labels"
// object, AWS a "Tags" array of {Key, Value} pairs and Azure a "tags"
// object. Empty strings are stored as NULL.
func classify(schema, key string, metadata []byte) (environment, location string) {
	if len(metadata) == 0 || !gjson.ValidBytes(metadata) {
		return "", locationFromKey(key)
	}

	switch schema {
	case SchemaGCP:
		environment = firstString(metadata, "labels", environmentKeys)
		location = firstString(metadata, "labels", locationKeys)
		// Automatic replication has no single location.
		if location == "automatic" {
			location = ""
		}
		if location == "" {
			location = locationFromKey(key)
		}
	case SchemaAWS:
		environment = awsTag(metadata, environmentKeys)
		location = awsTag(metadata, locationKeys)
		if location == "" {
			location = regionFromARN(gjson.GetBytes(metadata, "ARN").String())
		}
	case SchemaAzure:
		environment = firstString(metadata, "tags", environmentKeys)
		location = firstString(metadata, "tags", locationKeys)
	}
	return environment, location
}

func firstString(metadata []byte, object string, keys []string) string {
	obj := gjson.GetBytes(metadata, object)
	if !obj.IsObject() {
		return ""
	}
	for _, k := range keys {
		if v := obj.Get(k); v.Type == gjson.String {
			return v.String()
		}
	}
	return ""
}

func awsTag(metadata []byte, keys []string) string {
	tags := gjson.GetBytes(metadata, "Tags")
	if !tags.IsArray() {
		return ""
	}
	for _, k := range keys {
		for _, tag := range tags.Array() {
			if tag.Get("Key").String() == k {
				if v := tag.Get("Value"); v.Type == gjson.String {
					return v.String()
				}
			}
		}
	}
	return ""
}

// regionFromARN returns the region segment of
// arn:partition:service:region:account:resource.
func regionFromARN(arn string) string {
	parts := strings.Split(arn, ":")
	if len(parts) < 6 || parts[0] != "arn" {
		return ""
	}
	return parts[3]
}

// locationFromKey handles Parameter Manager style keys
// projects/{p}/locations/{l}/parameters/{n}.
func locationFromKey(key string) string {
	parts := strings.Split(key, "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "locations" {
			return parts[i+1]
		}
	}
	return ""
}
