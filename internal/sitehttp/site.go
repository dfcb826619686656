// Package sitehttp serves the getbananas marketing site: the content pages,
// robots.txt, sitemap.xml and static assets.
package sitehttp

import (
	"bytes"
	"html/template"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/getbananas/getbananas-web/internal/log"
	"github.com/getbananas/getbananas-web/internal/pathutil"
	"github.com/getbananas/getbananas-web/internal/webassets"
	"github.com/getbananas/getbananas-web/internal/xerrors"
)

const (
	pageCacheControl  = "public, max-age=300"
	assetCacheControl = "public, max-age=86400"
)

// Page is one routable content page. The sitemap is built from the same list.
type Page struct {
	Path        string
	Template    string
	Title       string
	Description string
	ChangeFreq  string
	Priority    string
}

// Pages is the site's page list, home first.
var Pages = []Page{
	{"/", "index.html", "The hand-drawn shopping list for your whole family", "Get Bananas is a hand-drawn shopping list your whole family shares.", "weekly", "1.0"},
	{"/privacy", "privacy.html", "Privacy Policy", "What Get Bananas stores and why.", "monthly", "0.3"},
	{"/terms", "terms.html", "Terms of Service", "The terms for using Get Bananas.", "monthly", "0.3"},
	{"/support", "support.html", "Support", "Help with Get Bananas.", "monthly", "0.5"},
}

type Options struct {
	SiteName string
	// SiteURL is the canonical origin without a trailing slash
	SiteURL   string
	Templates fs.FS
	Static    fs.FS
	Now       func() time.Time
}

type Site struct {
	opts     Options
	pages    map[string]*template.Template
	notFound *template.Template
}

type pageData struct {
	Title       string
	Description string
	SiteName    string
	Canonical   string
	Year        int
}

func New(opts Options) (*Site, error) {
	if opts.SiteName == "" {
		opts.SiteName = "Get Bananas"
	}
	opts.SiteURL = strings.TrimRight(opts.SiteURL, "/")
	if opts.SiteURL == "" {
		return nil, xerrors.New("site URL is required")
	}
	if opts.Templates == nil {
		opts.Templates = webassets.TemplatesFS()
	}
	if opts.Static == nil {
		opts.Static = webassets.StaticFS()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Site{opts: opts, pages: make(map[string]*template.Template, len(Pages))}
	for _, p := range Pages {
		t, err := template.ParseFS(opts.Templates, "layout.html", p.Template)
		if err != nil {
			return nil, xerrors.Wrapf(err, "parse template %s", p.Template)
		}
		s.pages[p.Path] = t
	}
	t, err := template.ParseFS(opts.Templates, "layout.html", "404.html")
	if err != nil {
		return nil, xerrors.Wrap(err, "parse template 404.html")
	}
	s.notFound = t
	return s, nil
}

// RegisterRoutes mounts the site on r. Only GET is registered; HEAD reaches
// the router already rewritten to GET and other methods get chi's 405.
func (s *Site) RegisterRoutes(r chi.Router) {
	for _, p := range Pages {
		r.Get(p.Path, s.pageHandler(p))
	}
	r.Get("/robots.txt", s.robots)
	r.Get("/sitemap.xml", s.sitemap)
	r.Get("/static/*", s.static)
	r.NotFound(s.serveNotFound)
}

func (s *Site) pageHandler(p Page) http.HandlerFunc {
	t := s.pages[p.Path]
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", pageCacheControl)
		s.render(w, r, http.StatusOK, t, pageData{
			Title:       p.Title,
			Description: p.Description,
			SiteName:    s.opts.SiteName,
			Canonical:   s.opts.SiteURL + p.Path,
			Year:        s.opts.Now().Year(),
		})
	}
}

func (s *Site) serveNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	s.render(w, r, http.StatusNotFound, s.notFound, pageData{
		Title:       "Page not found",
		Description: "The page you asked for does not exist.",
		SiteName:    s.opts.SiteName,
		Canonical:   s.opts.SiteURL + "/",
		Year:        s.opts.Now().Year(),
	})
}

// render executes into a buffer first so a template failure becomes a clean
// 500 and every page carries an exact Content-Length.
func (s *Site) render(w http.ResponseWriter, r *http.Request, status int, t *template.Template, data pageData) {
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		log.FromContext(r.Context()).Error(r.Context(), err, "render page")
		w.Header().Del("Cache-Control")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	writeBody(w, status, "text/html; charset=utf-8", buf.Bytes())
}

func (s *Site) static(w http.ResponseWriter, r *http.Request) {
	name, ok := pathutil.AssetName(chi.URLParam(r, "*"))
	if !ok {
		s.serveNotFound(w, r)
		return
	}
	info, err := fs.Stat(s.opts.Static, name)
	if err != nil || info.IsDir() {
		s.serveNotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", assetCacheControl)
	http.ServeFileFS(w, r, s.opts.Static, name)
}

func writeBody(w http.ResponseWriter, status int, contentType string, body []byte) {
	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
