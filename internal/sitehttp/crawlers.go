package sitehttp

import (
	"encoding/xml"
	"net/http"
	"strings"
)

// crawlers are named explicitly in robots.txt. Search and AI crawlers are welcome.
var crawlers = []string{
	// search
	"Googlebot", "Bingbot", "Slurp", "DuckDuckBot", "Applebot", "Yandex", "Baiduspider",
	// AI
	"GPTBot", "ChatGPT-User", "Google-Extended", "ClaudeBot", "Claude-Web", "anthropic-ai",
	"PerplexityBot", "Bytespider", "CCBot", "cohere-ai", "meta-externalagent", "Amazonbot",
}

func (s *Site) robotsBody() []byte {
	host := strings.TrimPrefix(strings.TrimPrefix(s.opts.SiteURL, "https://"), "http://")

	var b strings.Builder
	b.WriteString("# " + host + " robots.txt\n")
	b.WriteString("# Welcome to all search engines and AI crawlers\n\n")
	b.WriteString("User-agent: *\nAllow: /\n")
	for _, ua := range crawlers {
		b.WriteString("\nUser-agent: " + ua + "\nAllow: /\n")
	}
	b.WriteString("\nSitemap: " + s.opts.SiteURL + "/sitemap.xml\n")
	return []byte(b.String())
}

func (s *Site) robots(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", pageCacheControl)
	writeBody(w, http.StatusOK, "text/plain; charset=utf-8", s.robotsBody())
}

type urlset struct {
	XMLName xml.Name     `xml:"urlset"`
	Xmlns   string       `xml:"xmlns,attr"`
	URLs    []sitemapURL `xml:"url"`
}

type sitemapURL struct {
	Loc        string `xml:"loc"`
	LastMod    string `xml:"lastmod"`
	ChangeFreq string `xml:"changefreq"`
	Priority   string `xml:"priority"`
}

func (s *Site) sitemapBody() ([]byte, error) {
	lastmod := s.opts.Now().UTC().Format("2006-01-02")
	set := urlset{Xmlns: "http://www.sitemaps.org/schemas/sitemap/0.9"}
	for _, p := range Pages {
		set.URLs = append(set.URLs, sitemapURL{
			Loc:        s.opts.SiteURL + p.Path,
			LastMod:    lastmod,
			ChangeFreq: p.ChangeFreq,
			Priority:   p.Priority,
		})
	}
	out, err := xml.MarshalIndent(set, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}

func (s *Site) sitemap(w http.ResponseWriter, r *http.Request) {
	body, err := s.sitemapBody()
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Cache-Control", pageCacheControl)
	writeBody(w, http.StatusOK, "application/xml", body)
}
