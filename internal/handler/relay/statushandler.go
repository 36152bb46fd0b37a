package relay

import (
	"net/http"

	"github.com/neboloop/tabrelay/internal/crashlog"
	"github.com/neboloop/tabrelay/internal/httputil"
	"github.com/neboloop/tabrelay/internal/svc"
	"github.com/neboloop/tabrelay/internal/types"
)

const maxErrorPage = 500

func StatusHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := svcCtx.Relay.Status()
		httputil.OkJSON(w, &types.StatusResponse{
			Extensions:          st.Extensions,
			Automations:         st.Automations,
			MaxExtensionClients: st.MaxExtensionClients,
			PendingRequests:     st.PendingRequests,
			AuthEnabled:         svcCtx.Config.AuthEnabled(),
		})
	}
}

func ListTabsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := svcCtx.Tabs.GetTabs()
		httputil.OkJSON(w, &types.TabsResponse{Tabs: snap.Tabs, ActiveTabID: snap.ActiveTabID})
	}
}

func ListConnectionsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conns, err := svcCtx.DB.ActiveConnections(r.Context())
		if err != nil {
			httputil.InternalError(w, "failed to list connections")
			return
		}
		items := make([]types.ConnectionItem, len(conns))
		for i, c := range conns {
			items[i] = types.ConnectionItem{
				ID:          c.ID,
				Kind:        string(c.Kind),
				Address:     c.Address,
				ConnectedAt: c.ConnectedAt,
			}
		}
		httputil.OkJSON(w, &types.ListConnectionsResponse{Connections: items})
	}
}

func ListErrorsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := crashlog.Recent(r.Context(), httputil.QueryLimit(r, "limit", 50, maxErrorPage))
		if err != nil {
			httputil.InternalError(w, "failed to list errors")
			return
		}
		if entries == nil {
			entries = []crashlog.Entry{}
		}
		httputil.OkJSON(w, &types.ListErrorsResponse{Errors: entries})
	}
}
