package server

import (
	"context"
	"embed"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/fieldsetapp/fieldset/internal/routing"
	"github.com/fieldsetapp/fieldset/modules/dynafield/domain/ports"
	"github.com/fieldsetapp/fieldset/modules/dynafield/infrastructure/persistence"
	"github.com/fieldsetapp/fieldset/modules/dynafield/services"
)

//go:embed assets/*
var embeddedAssets embed.FS

var surveyPathPattern, _ = routing.NewPathPattern("/survey/{slug}")

type HandlerOptions struct {
	Logger    *zap.Logger
	Lookup    ports.LookupSource
	Progress  ports.ProgressStore
	Surveys   SurveyStore
	Responses ResponseStore
	Now       func() time.Time
}

// App bundles the HTTP handler with the resources behind it. The session
// registry and the survey watcher run goroutines and the pool holds
// connections, so an App must be closed when the server stops.
type App struct {
	Handler http.Handler

	registry *services.Registry
	pool     *pgxpool.Pool
	watcher  *surveyWatcher
	logger   *zap.Logger
}

func NewApp(opts HandlerOptions) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	allowlistPath := os.Getenv("ALLOWLIST_PATH")
	if allowlistPath == "" {
		p, err := defaultAllowlistPath()
		if err != nil {
			return nil, err
		}
		allowlistPath = p
	}

	a, err := routing.LoadAllowlist(allowlistPath)
	if err != nil {
		return nil, err
	}
	classifier, err := routing.NewClassifier(a, "server")
	if err != nil {
		return nil, err
	}

	lookup := opts.Lookup
	progress := opts.Progress
	surveys := opts.Surveys
	responses := opts.Responses

	var pgPool *pgxpool.Pool
	if lookup == nil {
		pool, err := dbPoolFromEnv(context.Background())
		if err != nil {
			return nil, err
		}
		pgPool = pool
		lookup = persistence.NewLookupPGStore(pool, lookupSchemaFromEnv())
	}
	if progress == nil {
		if pgPool != nil {
			progress = persistence.NewProgressPGStore(pgPool)
		} else if _, ok := lookup.(*persistence.LookupMemoryStore); ok {
			progress = persistence.NewProgressMemoryStore()
		} else {
			return nil, errors.New("server: missing progress store (set HandlerOptions.Progress or use default PG stores)")
		}
	}
	if surveys == nil {
		if pgPool != nil {
			surveys = newSurveyPGStore(pgPool)
		} else if _, ok := lookup.(*persistence.LookupMemoryStore); ok {
			surveys = newSurveyMemoryStore()
		} else {
			return nil, errors.New("server: missing survey store (set HandlerOptions.Surveys or use default PG stores)")
		}
	}
	if responses == nil {
		if pgPool != nil {
			responses = newResponsePGStore(pgPool, lookupSchemaFromEnv())
		} else if mem, ok := lookup.(*persistence.LookupMemoryStore); ok {
			responses = newResponseMemoryStore(mem)
		} else {
			return nil, errors.New("server: missing response store (set HandlerOptions.Responses or use default PG stores)")
		}
	}

	registry, err := services.NewRegistry(services.RegistryOptions{
		Lookup:     lookup,
		Progress:   progress,
		Logger:     logger,
		DefaultTTL: sessionTTLFromEnv(),
		Now:        opts.Now,
	})
	if err != nil {
		if pgPool != nil {
			pgPool.Close()
		}
		return nil, err
	}

	fail := func(err error) (*App, error) {
		registry.Close()
		if pgPool != nil {
			pgPool.Close()
		}
		return nil, err
	}

	var watcher *surveyWatcher
	if dir := os.Getenv("SURVEYS_DIR"); dir != "" {
		n, err := loadSurveysDir(context.Background(), dir, surveys, registry.Rules(), logger)
		if err != nil {
			return fail(err)
		}
		logger.Info("surveys loaded", zap.String("dir", dir), zap.Int("count", n))
		if os.Getenv("SURVEYS_WATCH") == "1" {
			w, err := newSurveyWatcher(dir, surveys, registry.Rules(), logger)
			if err != nil {
				return fail(err)
			}
			watcher = w
		}
	}

	authorizer, err := loadAuthorizer()
	if err != nil {
		if watcher != nil {
			watcher.Close()
		}
		return fail(err)
	}

	router := routing.NewRouter(classifier)
	router.OnPanic = func(req *http.Request, rec any, stack []byte) {
		logger.Error("handler panic",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Any("panic", rec),
			zap.ByteString("stack", stack),
		)
	}

	router.HandleFunc(routing.RouteClassUI, http.MethodGet, "/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/admin", http.StatusFound)
	})
	router.HandleFunc(routing.RouteClassOps, http.MethodGet, "/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	router.HandleFunc(routing.RouteClassOps, http.MethodGet, "/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	router.HandleFunc(routing.RouteClassUI, http.MethodGet, "/admin", func(w http.ResponseWriter, r *http.Request) {
		servePage(w, r, adminPagePath)
	})
	router.HandleFunc(routing.RouteClassUI, http.MethodGet, "/survey/{slug}", func(w http.ResponseWriter, r *http.Request) {
		serveSurveyPage(w, r, surveys)
	})

	router.HandleFunc(routing.RouteClassPublicAPI, http.MethodGet, "/api/surveys", func(w http.ResponseWriter, r *http.Request) {
		handleSurveysAPI(w, r, surveys)
	})
	router.HandleFunc(routing.RouteClassPublicAPI, http.MethodPost, "/api/sessions", func(w http.ResponseWriter, r *http.Request) {
		handleSessionCreateAPI(w, r, surveys, registry)
	})
	router.HandleFunc(routing.RouteClassPublicAPI, http.MethodPost, "/api/sessions:event", func(w http.ResponseWriter, r *http.Request) {
		handleSessionEventAPI(w, r, registry)
	})
	router.HandleFunc(routing.RouteClassPublicAPI, http.MethodPost, "/api/sessions:validate", func(w http.ResponseWriter, r *http.Request) {
		handleSessionValidateAPI(w, r, registry)
	})
	router.HandleFunc(routing.RouteClassPublicAPI, http.MethodGet, "/api/sessions:progress", func(w http.ResponseWriter, r *http.Request) {
		handleSessionProgressAPI(w, r, surveys, registry)
	})
	router.HandleFunc(routing.RouteClassPublicAPI, http.MethodPost, "/api/sessions:submit", func(w http.ResponseWriter, r *http.Request) {
		handleSessionSubmitAPI(w, r, surveys, registry, responses)
	})

	router.HandleFunc(routing.RouteClassInternalAPI, http.MethodGet, "/api/admin/surveys", func(w http.ResponseWriter, r *http.Request) {
		handleAdminSurveysAPI(w, r, surveys, registry)
	})
	router.HandleFunc(routing.RouteClassInternalAPI, http.MethodPost, "/api/admin/surveys", func(w http.ResponseWriter, r *http.Request) {
		handleAdminSurveysAPI(w, r, surveys, registry)
	})
	router.HandleFunc(routing.RouteClassInternalAPI, http.MethodPost, "/api/admin/surveys:close", func(w http.ResponseWriter, r *http.Request) {
		handleAdminSurveysCloseAPI(w, r, surveys)
	})
	router.HandleFunc(routing.RouteClassInternalAPI, http.MethodGet, "/api/admin/responses", func(w http.ResponseWriter, r *http.Request) {
		handleAdminResponsesAPI(w, r, responses)
	})

	guarded := withRequestLog(logger, withRequestRole(withAuthz(classifier, authorizer, router)))

	assetsSub, _ := fs.Sub(embeddedAssets, "assets")
	mux := http.NewServeMux()
	mux.Handle("/assets/", http.StripPrefix("/assets/", http.FileServer(http.FS(assetsSub))))
	mux.Handle("/", guarded)

	return &App{
		Handler:  mux,
		registry: registry,
		pool:     pgPool,
		watcher:  watcher,
		logger:   logger,
	}, nil
}

// Close stops the watcher and the registry workers and releases the pool.
func (a *App) Close() {
	if a.watcher != nil {
		a.watcher.Close()
	}
	a.registry.Close()
	if a.pool != nil {
		a.pool.Close()
	}
}

const (
	surveyPagePath = "assets/web/survey.html"
	adminPagePath  = "assets/web/admin.html"
)

func servePage(w http.ResponseWriter, r *http.Request, path string) {
	b, err := fs.ReadFile(embeddedAssets, path)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassUI, http.StatusInternalServerError, "page_missing", "page missing")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

// serveSurveyPage confirms the survey exists before handing out the form
// shell. Closed surveys still render; the session API reports the closure.
func serveSurveyPage(w http.ResponseWriter, r *http.Request, surveys SurveyStore) {
	slug := surveyPathPattern.Param(r.URL.Path, "slug")
	if slug == "" || !slugPattern.MatchString(slug) {
		routing.WriteError(w, r, routing.RouteClassUI, http.StatusNotFound, "survey_not_found", "survey not found")
		return
	}
	_, ok, err := surveys.GetBySlug(r.Context(), slug)
	if err != nil {
		writeStoreError(w, r, routing.RouteClassUI, err, "survey_read_failed")
		return
	}
	if !ok {
		routing.WriteError(w, r, routing.RouteClassUI, http.StatusNotFound, "survey_not_found", "survey not found")
		return
	}
	servePage(w, r, surveyPagePath)
}

func defaultAllowlistPath() (string, error) {
	path := "config/routing/allowlist.yaml"
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: allowlist not found")
}

func lookupSchemaFromEnv() string {
	return getenvDefault("LOOKUP_SCHEMA", "lookup")
}

func sessionTTLFromEnv() time.Duration {
	const defaultHours = 24

	v := os.Getenv("SESSION_TTL_HOURS")
	if v == "" {
		return time.Hour * defaultHours
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return time.Hour * defaultHours
	}
	return time.Hour * time.Duration(n)
}
