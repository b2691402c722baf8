package api

import (
	"net"
	"net/http"
	"strings"

	"github.com/mikeyg42/capturer/internal/monitorlog"
)

// auditAction names a session control operation.
type auditAction string

const (
	auditPause     auditAction = "PAUSE"
	auditResume    auditAction = "RESUME"
	auditReset     auditAction = "RESET"
	auditRegion    auditAction = "REGION"
	auditDetection auditAction = "DETECTION"
)

// audit logs a control request with the client address partially masked.
func (s *Server) audit(r *http.Request, action auditAction, err error, details string) {
	result := "SUCCESS"
	if err != nil {
		result = "FAILURE"
	}
	s.auditLog.Info("control request",
		monitorlog.String("action", string(action)),
		monitorlog.String("ip", maskIP(clientIP(r))),
		monitorlog.String("result", result),
		monitorlog.String("details", details))
}

// maskIP hides the host part: 192.168.1.100 -> 192.168.*.*
func maskIP(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "unknown"
	}
	if v4 := parsed.To4(); v4 != nil {
		parts := strings.Split(v4.String(), ".")
		return parts[0] + "." + parts[1] + ".*.*"
	}
	groups := strings.SplitN(parsed.String(), ":", 3)
	if len(groups) < 3 {
		return "*"
	}
	return groups[0] + ":" + groups[1] + ":*"
}
