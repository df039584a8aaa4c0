package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/foldwatch/foldwatch/internal/api/http/dto"
	"github.com/foldwatch/foldwatch/internal/relay"
	"github.com/foldwatch/foldwatch/internal/state"
)

type SnapshotHandler struct {
	store  *state.Store
	client *relay.Client
	keyErr error
}

// NewSnapshotHandler wires the read-only state surface. A non-nil keyErr
// means the relay subsystem never started; the status endpoint reports it
// so a disabled relay is distinguishable from one that has not connected
// yet.
func NewSnapshotHandler(store *state.Store, client *relay.Client, keyErr error) *SnapshotHandler {
	return &SnapshotHandler{store: store, client: client, keyErr: keyErr}
}

// Latest serves the current aggregate snapshot. The snapshot value is
// immutable; serializing it concurrently with relay updates is safe.
func (h *SnapshotHandler) Latest(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, h.store.Latest())
}

func (h *SnapshotHandler) Status(ctx *gin.Context) {
	snap := h.store.Latest()

	resp := dto.StatusResponse{
		ConnectionState: relay.StateDisconnected.String(),
		Machines:        len(snap.Machines),
		HasAccount:      snap.Account != nil,
	}

	if h.keyErr != nil {
		resp.LastFailure = &dto.FailureDetail{
			Reason:    "key_error",
			Error:     h.keyErr.Error(),
			Permanent: true,
		}
	}

	if h.client != nil {
		resp.ConnectionState = h.client.State().String()
		if f := h.client.LastFailure(); f != nil {
			resp.LastFailure = &dto.FailureDetail{
				Reason:    string(f.Reason),
				Error:     f.Err.Error(),
				Attempts:  f.Attempts,
				Permanent: f.Permanent,
			}
		}
	}

	ctx.JSON(http.StatusOK, resp)
}
