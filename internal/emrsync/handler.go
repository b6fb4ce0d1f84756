package emrsync

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/careops/emrsync/internal/registry"
	"github.com/careops/emrsync/pkg/pagination"
)

// Handler exposes the sync engine's operations surface over HTTP.
type Handler struct {
	engine  *Engine
	monitor *Monitor
	store   registry.Store
	logger  zerolog.Logger
}

func NewHandler(engine *Engine, monitor *Monitor, store registry.Store, logger zerolog.Logger) *Handler {
	return &Handler{engine: engine, monitor: monitor, store: store, logger: logger}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/sync/runs", h.RunSync)
	g.GET("/sync/conflicts", h.ListConflicts)
	g.POST("/sync/conflicts/:id/resolve", h.ResolveConflict)
	g.GET("/sync/retries", h.ListRetries)
	g.POST("/sync/retries/run", h.RunRetries)
	g.GET("/sync/health", h.GetHealth)
	g.POST("/sync/monitor/start", h.StartMonitor)
	g.POST("/sync/monitor/stop", h.StopMonitor)
}

// RunSync triggers one bidirectional pass over every local patient and
// record. A pass already holding the lease yields 409.
func (h *Handler) RunSync(c echo.Context) error {
	var opts Options
	if err := c.Bind(&opts); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	patients, records, err := h.loadEntities(ctx, opts.withDefaults().BatchSize)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	res, err := h.engine.Run(ctx, patients, records, opts)
	if errors.Is(err, ErrSyncInProgress) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ListConflicts(c echo.Context) error {
	pg := pagination.FromContext(c)
	conflicts, total, err := h.engine.ListOpenConflicts(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(conflicts, total, pg.Limit, pg.Offset))
}

func (h *Handler) ResolveConflict(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid conflict id")
	}
	var res Resolution
	if err := c.Bind(&res); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	switch err := h.engine.Resolve(c.Request().Context(), id, res); {
	case err == nil:
		return c.NoContent(http.StatusNoContent)
	case errors.Is(err, ErrConflictNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrApplyFailed):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	case errors.Is(err, ErrSyncInProgress):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
}

func (h *Handler) ListRetries(c echo.Context) error {
	ops, err := h.engine.ListFailedOperations(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, echo.Map{"operations": ops, "total": len(ops)})
}

func (h *Handler) RunRetries(c echo.Context) error {
	out, err := h.engine.RetryFailed(c.Request().Context())
	if errors.Is(err, ErrSyncInProgress) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) GetHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"monitoring": h.monitor.Running(),
		"health":     h.monitor.Health(),
	})
}

func (h *Handler) StartMonitor(c echo.Context) error {
	h.monitor.Start()
	return c.JSON(http.StatusOK, echo.Map{"running": h.monitor.Running()})
}

func (h *Handler) StopMonitor(c echo.Context) error {
	h.monitor.Stop()
	return c.JSON(http.StatusOK, echo.Map{"running": h.monitor.Running()})
}

// loadEntities pages through the registry and collects every patient and
// record for a full pass.
func (h *Handler) loadEntities(ctx context.Context, batch int) ([]*registry.Patient, []*registry.MedicalRecord, error) {
	var patients []*registry.Patient
	for offset := 0; ; offset += batch {
		page, total, err := h.store.ListPatients(ctx, batch, offset)
		if err != nil {
			return nil, nil, err
		}
		patients = append(patients, page...)
		if len(page) == 0 || offset+batch >= total {
			break
		}
	}

	var records []*registry.MedicalRecord
	for offset := 0; ; offset += batch {
		page, total, err := h.store.ListRecords(ctx, batch, offset)
		if err != nil {
			return nil, nil, err
		}
		records = append(records, page...)
		if len(page) == 0 || offset+batch >= total {
			break
		}
	}
	return patients, records, nil
}
