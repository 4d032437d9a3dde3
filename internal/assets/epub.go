package assets

import (
	"archive/zip"
	"encoding/xml"
	"path"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/parableapp/parable-ingest/internal/ingest"
	"log/slog"
)

const (
	charsPerPage     = 1500
	minExcerptLength = 150
	maxExcerptLength = 400
)

// fallbackChapters stands in when an epub yields no usable structure.
var fallbackChapters = []ingest.Chapter{{Title: "Full Book"}}

// ParseEpub reads an epub container and derives the chapter list, an
// estimated page count and an excerpt for the book preview. Corrupt or
// unreadable containers never fail; they degrade to a single-chapter
// placeholder with no excerpt.
func (f *Fetcher) ParseEpub(epubPath string) ([]ingest.Chapter, int, string) {
	reader, err := zip.OpenReader(epubPath)
	if err != nil {
		slog.Warn("Epub container unreadable", "path", epubPath, "error", err)
		return fallbackChapters, 0, ""
	}
	defer func() { _ = reader.Close() }()

	files := make(map[string]*zip.File, len(reader.File))
	for _, file := range reader.File {
		files[file.Name] = file
	}

	docs := spineDocuments(files)
	if len(docs) == 0 {
		docs = zipOrderDocuments(reader.File)
	}
	if len(docs) == 0 {
		slog.Warn("Epub has no content documents", "path", epubPath)
		return fallbackChapters, 0, ""
	}

	var (
		chapters  []ingest.Chapter
		textChars int
		excerpt   string
	)

	for _, file := range docs {
		doc, ok := readDocument(file)
		if !ok {
			continue
		}

		if title := strings.TrimSpace(doc.Find("h1, h2, h3").First().Text()); title != "" {
			chapters = append(chapters, ingest.Chapter{Title: title})
		}

		textChars += len(strings.TrimSpace(doc.Find("body").Text()))

		if excerpt == "" {
			excerpt = findExcerpt(doc)
		}
	}

	if len(chapters) == 0 {
		chapters = fallbackChapters
	}

	pageCount := textChars / charsPerPage
	if pageCount < 1 {
		pageCount = 1
	}

	return chapters, pageCount, excerpt
}

func readDocument(file *zip.File) (*goquery.Document, bool) {
	rc, err := file.Open()
	if err != nil {
		return nil, false
	}
	defer func() { _ = rc.Close() }()

	doc, err := goquery.NewDocumentFromReader(rc)
	if err != nil {
		return nil, false
	}
	return doc, true
}

// findExcerpt picks the first substantial paragraph, skipping front
// matter like one-line headings and production credits.
func findExcerpt(doc *goquery.Document) string {
	var excerpt string
	doc.Find("p").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		text := strings.Join(strings.Fields(sel.Text()), " ")
		if len(text) <= minExcerptLength {
			return true
		}
		if len(text) > maxExcerptLength {
			text = ingest.Truncate(text, maxExcerptLength) + "…"
		}
		excerpt = text
		return false
	})
	return excerpt
}

type containerXML struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

type packageXML struct {
	Manifest []struct {
		ID   string `xml:"id,attr"`
		Href string `xml:"href,attr"`
	} `xml:"manifest>item"`
	Spine []struct {
		IDRef string `xml:"idref,attr"`
	} `xml:"spine>itemref"`
}

// spineDocuments resolves the reading order declared in the epub's
// package document. Any structural gap returns nil so the caller can
// fall back to archive order.
func spineDocuments(files map[string]*zip.File) []*zip.File {
	opfPath := opfLocation(files)
	if opfPath == "" {
		return nil
	}

	opfFile, ok := files[opfPath]
	if !ok {
		return nil
	}

	rc, err := opfFile.Open()
	if err != nil {
		return nil
	}
	defer func() { _ = rc.Close() }()

	var pkg packageXML
	if err := xml.NewDecoder(rc).Decode(&pkg); err != nil {
		return nil
	}

	hrefByID := make(map[string]string, len(pkg.Manifest))
	for _, item := range pkg.Manifest {
		hrefByID[item.ID] = item.Href
	}

	baseDir := path.Dir(opfPath)
	var docs []*zip.File
	for _, itemref := range pkg.Spine {
		href, ok := hrefByID[itemref.IDRef]
		if !ok {
			continue
		}
		name := href
		if baseDir != "." {
			name = path.Join(baseDir, href)
		}
		if file, ok := files[name]; ok && isContentDocument(name) {
			docs = append(docs, file)
		}
	}
	return docs
}

func opfLocation(files map[string]*zip.File) string {
	if container, ok := files["META-INF/container.xml"]; ok {
		if rc, err := container.Open(); err == nil {
			var parsed containerXML
			decodeErr := xml.NewDecoder(rc).Decode(&parsed)
			_ = rc.Close()
			if decodeErr == nil && len(parsed.Rootfiles) > 0 {
				return parsed.Rootfiles[0].FullPath
			}
		}
	}

	// Some producers skip the container manifest; take any .opf.
	var candidates []string
	for name := range files {
		if strings.HasSuffix(name, ".opf") {
			candidates = append(candidates, name)
		}
	}
	sort.Strings(candidates)
	if len(candidates) > 0 {
		return candidates[0]
	}
	return ""
}

// zipOrderDocuments returns content documents in archive order, the
// fallback when no spine can be resolved.
func zipOrderDocuments(files []*zip.File) []*zip.File {
	var docs []*zip.File
	for _, file := range files {
		if isContentDocument(file.Name) {
			docs = append(docs, file)
		}
	}
	return docs
}

func isContentDocument(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".xhtml", ".html", ".htm":
		return true
	}
	return false
}
