package http

import (
	"net/http"
	"strings"
)

type RouterConfig struct {
	Alarms     *AlarmHandler
	Active     *ActiveHandler
	Metrics    http.Handler
	Middleware []func(http.Handler) http.Handler
}

func NewRouter(cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()

	if cfg.Alarms != nil {
		mux.HandleFunc("/alarms", func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet:
				cfg.Alarms.List(w, r)
			case http.MethodPost:
				cfg.Alarms.Create(w, r)
			default:
				methodNotAllowed(w, http.MethodGet, http.MethodPost)
			}
		})
		mux.HandleFunc("/alarms/import", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				methodNotAllowed(w, http.MethodPost)
				return
			}
			cfg.Alarms.Import(w, r)
		})
		mux.HandleFunc("/alarms/", func(w http.ResponseWriter, r *http.Request) {
			segments := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/alarms/"), "/"), "/")
			if segments[0] == "" {
				http.NotFound(w, r)
				return
			}
			ctx := ContextWithAlarmID(r.Context(), segments[0])
			r = r.WithContext(ctx)

			switch {
			case len(segments) == 1:
				switch r.Method {
				case http.MethodGet:
					cfg.Alarms.Get(w, r)
				case http.MethodPut:
					cfg.Alarms.Replace(w, r)
				case http.MethodPatch:
					cfg.Alarms.Patch(w, r)
				case http.MethodDelete:
					cfg.Alarms.Delete(w, r)
				default:
					methodNotAllowed(w, http.MethodGet, http.MethodPut, http.MethodPatch, http.MethodDelete)
				}
			case len(segments) == 2 && segments[1] == "toggle":
				if r.Method != http.MethodPost {
					methodNotAllowed(w, http.MethodPost)
					return
				}
				cfg.Alarms.Toggle(w, r)
			case len(segments) == 2 && segments[1] == "instances":
				if r.Method != http.MethodPost {
					methodNotAllowed(w, http.MethodPost)
					return
				}
				cfg.Alarms.AddInstance(w, r)
			case len(segments) == 3 && segments[1] == "instances" && segments[2] != "":
				if r.Method != http.MethodDelete {
					methodNotAllowed(w, http.MethodDelete)
					return
				}
				cfg.Alarms.DeleteInstance(w, r.WithContext(ContextWithInstanceID(r.Context(), segments[2])))
			default:
				http.NotFound(w, r)
			}
		})
	}

	if cfg.Active != nil {
		mux.HandleFunc("/active", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				methodNotAllowed(w, http.MethodGet)
				return
			}
			cfg.Active.Get(w, r)
		})
		for path, handle := range map[string]http.HandlerFunc{
			"/active/snooze":        cfg.Active.Snooze,
			"/active/dismiss":       cfg.Active.Dismiss,
			"/lifecycle/foreground": cfg.Active.Foreground,
			"/lifecycle/suppress":   cfg.Active.Suppress,
			"/lifecycle/resume":     cfg.Active.Resume,
		} {
			mux.HandleFunc(path, postOnly(handle))
		}
	}

	if cfg.Metrics != nil {
		mux.Handle("/metrics", cfg.Metrics)
	}

	var handler http.Handler = mux
	if len(cfg.Middleware) > 0 {
		for i := len(cfg.Middleware) - 1; i >= 0; i-- {
			if cfg.Middleware[i] != nil {
				handler = cfg.Middleware[i](handler)
			}
		}
	}

	return handler
}

func postOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		next(w, r)
	}
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}
