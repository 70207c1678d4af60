package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/peerline/peerline/internal/application/config"
)

// ICEHandler serves the ICE server list clients feed into their peer connections.
type ICEHandler struct {
	ice config.ICEConfig
}

func NewICEHandler(ice config.ICEConfig) *ICEHandler {
	return &ICEHandler{ice: ice}
}

type iceResponse struct {
	STUNURLs          []string `json:"stunUrls"`
	CandidatePoolSize uint8    `json:"candidatePoolSize"`
}

func (h *ICEHandler) Servers(c echo.Context) error {
	return c.JSON(http.StatusOK, iceResponse{
		STUNURLs:          h.ice.STUNURLs,
		CandidatePoolSize: h.ice.CandidatePoolSize,
	})
}
