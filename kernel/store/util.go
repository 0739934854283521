package store

import (
	"strconv"

	jsoniter "github.com/json-iterator/go"
)

// json is a drop-in, faster encoding/json replacement used everywhere the
// store needs to serialize a structured value.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

func formatInt64(n int64) string {
	return strconv.FormatInt(n, 10)
}

func parseUint64(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

func formatUint64(n uint64) string {
	return strconv.FormatUint(n, 10)
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSON(s string, v any) error {
	return json.Unmarshal([]byte(s), v)
}
