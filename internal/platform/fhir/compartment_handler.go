package fhir

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// CompartmentHandler exposes the loaded Patient compartment index so
// operators can see which reference paths the data selector follows.
type CompartmentHandler struct {
	index *CompartmentIndex
}

// NewCompartmentHandler creates a new CompartmentHandler.
func NewCompartmentHandler(index *CompartmentIndex) *CompartmentHandler {
	return &CompartmentHandler{index: index}
}

// RegisterRoutes registers compartment routes.
func (h *CompartmentHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/compartment", h.List)
	g.GET("/compartment/:resourceType", h.Get)
}

type compartmentMember struct {
	ResourceType string            `json:"resourceType"`
	Links        []CompartmentLink `json:"links"`
}

// List handles GET /compartment.
func (h *CompartmentHandler) List(c echo.Context) error {
	members := make([]compartmentMember, 0, len(h.index.Types()))
	for _, t := range h.index.Types() {
		members = append(members, compartmentMember{ResourceType: t, Links: h.index.Links(t)})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"url":       h.index.URL(),
		"resources": members,
	})
}

// Get handles GET /compartment/:resourceType.
func (h *CompartmentHandler) Get(c echo.Context) error {
	resourceType := c.Param("resourceType")
	links := h.index.Links(resourceType)
	if len(links) == 0 {
		return c.JSON(http.StatusNotFound, NewOperationOutcome(IssueSeverityError, IssueTypeNotFound,
			fmt.Sprintf("%s is not in the Patient compartment", resourceType)))
	}
	return c.JSON(http.StatusOK, compartmentMember{ResourceType: resourceType, Links: links})
}
