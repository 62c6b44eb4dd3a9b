package httpapi

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/skylarkproxy/mediacache/internal/manager"
)

// parseRangeHeader parses a client's Range header into its three forms:
// "bytes=a-b", "bytes=a-" (suffix-from), and "bytes=-n" (last n bytes).
// hasRange is false when header is empty, meaning the client wants the
// whole resource. Multi-range requests ("bytes=0-1,5-6") are not
// supported and return an error.
func parseRangeHeader(header string) (cr manager.ClientRange, hasRange bool, err error) {
	if header == "" {
		return cr, false, nil
	}
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return cr, false, errors.Errorf("unsupported range unit in %q", header)
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return cr, false, errors.Errorf("multi-range requests are not supported: %q", header)
	}

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return cr, false, errors.Errorf("malformed range %q", header)
	}
	startStr, endStr := parts[0], parts[1]

	switch {
	case startStr == "" && endStr != "":
		// bytes=-n: last n bytes.
		n, perr := strconv.ParseInt(endStr, 10, 64)
		if perr != nil || n <= 0 {
			return cr, false, errors.Errorf("malformed suffix range %q", header)
		}
		return manager.ClientRange{SuffixLength: &n}, true, nil

	case startStr != "" && endStr == "":
		// bytes=a-: open suffix.
		start, perr := strconv.ParseInt(startStr, 10, 64)
		if perr != nil || start < 0 {
			return cr, false, errors.Errorf("malformed range start %q", header)
		}
		return manager.ClientRange{Start: start, End: nil}, true, nil

	case startStr != "" && endStr != "":
		// bytes=a-b (inclusive on the wire; End is exclusive internally).
		start, perr1 := strconv.ParseInt(startStr, 10, 64)
		endInclusive, perr2 := strconv.ParseInt(endStr, 10, 64)
		if perr1 != nil || perr2 != nil || start < 0 || endInclusive < start {
			return cr, false, errors.Errorf("malformed range %q", header)
		}
		end := endInclusive + 1
		return manager.ClientRange{Start: start, End: &end}, true, nil

	default:
		return cr, false, errors.Errorf("malformed range %q", header)
	}
}
