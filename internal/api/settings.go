package api

import (
	"errors"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"

	"printerstatus/internal/config"
)

type networkResp struct {
	DeviceIPCurrent string `json:"deviceIpCurrent"`
	DeviceIPConfig  string `json:"deviceIpConfig"`
	PrinterIP       string `json:"printerIp"`
}

type networkReq struct {
	DeviceIPConfig string `json:"deviceIpConfig"`
	PrinterIP      string `json:"printerIp"`
}

func (r *Router) handleGetNetwork(c *gin.Context) {
	cfg, err := r.settings.Load()
	if err != nil {
		r.logger.Error("loading settings", "error", err)
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, networkResp{
		DeviceIPCurrent: currentDeviceIP(),
		DeviceIPConfig:  cfg.Network.DeviceIPConfig,
		PrinterIP:       cfg.Network.PrinterIP,
	})
}

// handlePostNetwork stores new addresses. A changed printer address restarts
// the watcher on the next status request.
func (r *Router) handlePostNetwork(c *gin.Context) {
	var req networkReq
	// An unreadable body clears both addresses.
	_ = c.ShouldBindJSON(&req)

	prev, next, err := r.settings.UpdateNetwork(req.DeviceIPConfig, req.PrinterIP)
	if errors.Is(err, config.ErrInvalidIPv4) {
		c.JSON(http.StatusBadRequest, errorResp{Error: "validation error"})
		return
	}
	if err != nil {
		r.logger.Error("saving settings", "error", err)
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if prev.Network.PrinterIP != next.Network.PrinterIP {
		r.logger.Info("printer IP changed", "from", prev.Network.PrinterIP, "to", next.Network.PrinterIP)
		r.src.Reset(c.Request.Context())
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

// currentDeviceIP returns the first non-loopback IPv4 address of this host.
func currentDeviceIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if n, ok := a.(*net.IPNet); ok {
				if ip4 := n.IP.To4(); ip4 != nil {
					return ip4.String()
				}
			}
		}
	}
	return ""
}
