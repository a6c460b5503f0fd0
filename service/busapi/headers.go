package busapi

import (
	"sort"
	"strings"
	"time"
)

// MessageType is carried in the "type" header and selects the dispatch
// path inside the transport.
type MessageType string

const (
	MessageTypeNormal         MessageType = "Normal"
	MessageTypeAdministrative MessageType = "Administrative"
	MessageTypeShutdown       MessageType = "Shutdown"
	MessageTypeTimeout        MessageType = "Timeout"
)

const (
	HeaderType          = "type"
	HeaderId            = "id"
	HeaderSource        = "source"
	HeaderTimeToSend    = "time-to-send"
	HeaderCorrelationId = "correlation-id"
	HeaderRetries       = "retries"
)

const (
	entrySeparator    = "##"
	keyValueSeparator = "#"
)

// TimeToSendLayout is the wire format of the time-to-send header: an
// ISO-8601 local timestamp without a zone designator.
const TimeToSendLayout = "2006-01-02T15:04:05.0000000"

// CompressHeaders flattens a header map into the single-string wire form:
// key#value entries joined by ##. Keys are emitted in sorted order so the
// encoding is deterministic. Keys and values must not contain '#'.
func CompressHeaders(headers map[string]string) (string, error) {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		if strings.Contains(k, keyValueSeparator) || strings.Contains(headers[k], keyValueSeparator) {
			return "", ErrHeaderIllegalCharacter
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		if sb.Len() > 0 {
			sb.WriteString(entrySeparator)
		}
		sb.WriteString(k)
		sb.WriteString(keyValueSeparator)
		sb.WriteString(headers[k])
	}
	return sb.String(), nil
}

// ExtractHeaders parses the wire form produced by CompressHeaders.
func ExtractHeaders(compressed string) (map[string]string, error) {
	headers := make(map[string]string)
	if compressed == "" {
		return headers, nil
	}
	for _, entry := range strings.Split(compressed, entrySeparator) {
		if entry == "" {
			continue
		}
		kv := strings.SplitN(entry, keyValueSeparator, 2)
		if len(kv) != 2 {
			return nil, ErrHeaderMalformed
		}
		headers[kv[0]] = kv[1]
	}
	return headers, nil
}

func FormatTimeToSend(t time.Time) string {
	return t.Format(TimeToSendLayout)
}

// ParseTimeToSend reads an unspecified-kind timestamp as local time.
// A fractional second is accepted even though the layout omits it.
func ParseTimeToSend(value string) (time.Time, error) {
	return time.ParseInLocation("2006-01-02T15:04:05", strings.TrimSpace(value), time.Local)
}
