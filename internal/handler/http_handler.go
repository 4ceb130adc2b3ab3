package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/atalii/ac-mon/internal/domain"
	"github.com/atalii/ac-mon/pkg/log"
	"github.com/atalii/ac-mon/pkg/response"
)

// StatusReader is the read side of the status store.
type StatusReader interface {
	Snapshot() []domain.RoomStatus
	Get(roomID string) (domain.RoomStatus, bool)
}

// RoomSummary is one element of GET /api/v1/all.
type RoomSummary struct {
	RoomID       string                 `json:"room_id"`
	State        domain.ConnectionState `json:"connection_state"`
	Occupancy    int                    `json:"occupancy"`
	HostPresent  bool                   `json:"host_present"`
	StreamActive bool                   `json:"stream_active"`
	LastUpdated  *time.Time             `json:"last_updated"`
}

// RoomDetail is the body of GET /api/v1/rooms/:room_id.
type RoomDetail struct {
	RoomSummary
	DisplayName    string           `json:"display_name"`
	Access         domain.Access    `json:"access"`
	StateChangedAt time.Time        `json:"state_changed_at"`
	LastError      string           `json:"last_error,omitempty"`
	Failures       int              `json:"failures"`
	Meetings       []domain.Meeting `json:"meetings"`
}

// Handler serves the read API over the status store.
type Handler struct {
	store    StatusReader
	meetings map[string][]domain.Meeting
}

// NewHandler creates a new HTTP handler.
func NewHandler(store StatusReader, rooms []domain.RoomConfig) *Handler {
	meetings := make(map[string][]domain.Meeting, len(rooms))
	for _, room := range rooms {
		meetings[room.ID] = room.Meetings
	}
	return &Handler{store: store, meetings: meetings}
}

// RegisterRoutes registers all routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)

	api := r.Group("/api/v1")
	{
		api.GET("/all", h.ListAll)
		api.GET("/rooms/:room_id", h.GetRoom)
	}
}

// Health reports process liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListAll returns every configured room's status in configuration order.
func (h *Handler) ListAll(c *gin.Context) {
	snapshot := h.store.Snapshot()
	out := make([]RoomSummary, 0, len(snapshot))
	for _, st := range snapshot {
		out = append(out, summarize(st))
	}
	c.JSON(http.StatusOK, out)
}

// GetRoom returns one room's detailed status.
func (h *Handler) GetRoom(c *gin.Context) {
	roomID := c.Param("room_id")

	st, ok := h.store.Get(roomID)
	if !ok {
		l := log.Ctx(c.Request.Context())
		l.Debug().Str(log.FieldRoomID, roomID).Msg("room not found")
		response.NotFound(c, "room not found")
		return
	}

	meetings := h.meetings[roomID]
	if meetings == nil {
		meetings = []domain.Meeting{}
	}

	response.Success(c, RoomDetail{
		RoomSummary:    summarize(st),
		DisplayName:    st.DisplayName,
		Access:         st.Access,
		StateChangedAt: st.StateChangedAt,
		LastError:      st.LastError,
		Failures:       st.Failures,
		Meetings:       meetings,
	})
}

func summarize(st domain.RoomStatus) RoomSummary {
	s := RoomSummary{
		RoomID:       st.RoomID,
		State:        st.State,
		Occupancy:    st.Occupancy,
		HostPresent:  st.HostPresent,
		StreamActive: st.StreamActive,
	}
	if !st.LastUpdated.IsZero() {
		t := st.LastUpdated
		s.LastUpdated = &t
	}
	return s
}
