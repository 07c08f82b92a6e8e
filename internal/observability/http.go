package observability

import (
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// ClientInfo identifies the device behind a websocket handshake.
type ClientInfo struct {
	DeviceID  string
	RequestID string
	IP        string
}

// ClientInfoFromRequest collects identity headers, generating a request id when absent.
func ClientInfoFromRequest(r *http.Request) ClientInfo {
	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return ClientInfo{
		DeviceID:  r.Header.Get("X-Device-Id"),
		RequestID: requestID,
		IP:        IPFromRequest(r),
	}
}

func IPFromRequest(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
