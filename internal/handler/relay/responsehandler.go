package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/neboloop/tabrelay/internal/callback"
	"github.com/neboloop/tabrelay/internal/httputil"
	"github.com/neboloop/tabrelay/internal/svc"
	"github.com/neboloop/tabrelay/internal/types"
)

// maxWait caps the long-poll window a client may request with ?wait=.
const maxWait = 60 * time.Second

const waitPollInterval = 100 * time.Millisecond

// GetResponseHandler returns the stored response for a request id. With ?wait=<duration>
// it holds the request open until the response arrives or the wait elapses.
func GetResponseHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := httputil.PathVar(r, "requestId")
		if requestID == "" {
			httputil.BadRequest(w, "requestId is required")
			return
		}

		wait, err := httputil.QueryDuration(r, "wait", maxWait)
		if err != nil {
			httputil.Error(w, err)
			return
		}

		var data json.RawMessage
		if wait > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), wait)
			data, err = svcCtx.Callbacks.WaitFor(ctx, requestID, waitPollInterval)
			cancel()
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				err = callback.ErrNotFound
			}
		} else {
			data, err = svcCtx.Callbacks.Lookup(r.Context(), requestID)
		}

		switch {
		case errors.Is(err, callback.ErrNotFound):
			httputil.RequestError(w, http.StatusNotFound, requestID, "response not found")
		case err != nil:
			httputil.RequestError(w, http.StatusInternalServerError, requestID, "failed to load response")
		default:
			httputil.OkJSON(w, &types.GetResponseResponse{RequestID: requestID, Data: data})
		}
	}
}
