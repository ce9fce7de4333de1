package export

import (
	"bytes"
	"io"
	"strconv"
	"time"
)

func bytesReader(data []byte) io.Reader {
	return bytes.NewReader(data)
}

func itoa(n int) string { return strconv.Itoa(n) }

func uitoa(n uint64) string { return strconv.FormatUint(n, 10) }

func rfc3339(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// stringField and timeField read the loosely-typed ComputedContext map a
// Decision carries (§4.C: "all fields become part of the decision
// payload"), tolerating the zero value when a key is absent — e.g. a
// decision produced while the context builder's data source was
// unavailable still exports cleanly.
func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case int:
		return itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}

func timeField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case time.Time:
		return rfc3339(t)
	case string:
		return t
	default:
		return ""
	}
}
