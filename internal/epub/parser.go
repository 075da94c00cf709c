// Package epub parses EPUB files into a flat text representation with a
// parse-tree map, and locates text snippets inside them.
package epub

import (
	"archive/zip"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/net/html"

	"github.com/bookbridge/bookbridge/internal/logger"
)

// DefaultCacheSize bounds the number of parsed books held in memory.
const DefaultCacheSize = 3

// textRun maps a contiguous run of extracted text back to its DOM node.
type textRun struct {
	start int
	end   int
	node  *html.Node
}

// SpineItem is one content document of the book's reading order.
type SpineItem struct {
	// Index is the 1-based spine position (crengine DocFragment numbering).
	Index int
	Href  string
	// Start and End bound the item's text inside Book.Text.
	Start int
	End   int

	root *html.Node
	runs []textRun
}

// Book is a parsed EPUB: the concatenated plain text plus per-spine parse
// trees. Books are read-only after construction and shared between cycles.
type Book struct {
	Path  string
	Text  string
	Spine []SpineItem
}

// ItemAt returns the spine item containing the global char offset.
func (b *Book) ItemAt(offset int) *SpineItem {
	for i := range b.Spine {
		if b.Spine[i].Start <= offset && offset < b.Spine[i].End {
			return &b.Spine[i]
		}
	}
	if len(b.Spine) == 0 {
		return nil
	}
	return &b.Spine[len(b.Spine)-1]
}

// Parser resolves, parses and caches EPUB files.
type Parser struct {
	booksDir string
	cacheDir string
	log      *logger.Logger

	mu    sync.Mutex
	cache map[string]*Book
	order []string // LRU order, oldest first
	cap   int
}

// NewParser creates a Parser. cacheSize <= 0 falls back to DefaultCacheSize.
func NewParser(booksDir, cacheDir string, cacheSize int, log *logger.Logger) *Parser {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	return &Parser{
		booksDir: booksDir,
		cacheDir: cacheDir,
		log:      log,
		cache:    make(map[string]*Book),
		cap:      cacheSize,
	}
}

// ResolvePath finds the EPUB on disk: first under the books directory
// (recursively), then in the download cache.
func (p *Parser) ResolvePath(filename string) (string, error) {
	var found string
	if p.booksDir != "" {
		_ = filepath.WalkDir(p.booksDir, func(pth string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if d.Name() == filename {
				found = pth
				return filepath.SkipAll
			}
			return nil
		})
	}
	if found != "" {
		return found, nil
	}
	if p.cacheDir != "" {
		cached := filepath.Join(p.cacheDir, filename)
		if _, err := os.Stat(cached); err == nil {
			return cached, nil
		}
	}
	return "", fmt.Errorf("ebook not found: %s", filename)
}

// CachePath returns the path a downloaded copy of filename should be written
// to, creating the cache directory if needed.
func (p *Parser) CachePath(filename string) (string, error) {
	if err := os.MkdirAll(p.cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create epub cache dir: %w", err)
	}
	return filepath.Join(p.cacheDir, filename), nil
}

// CleanCache deletes downloaded copies whose filename is not in keep.
// Called at startup so orphans from deleted mappings do not accumulate.
func (p *Parser) CleanCache(keep map[string]bool) error {
	if p.cacheDir == "" {
		return nil
	}
	entries, err := os.ReadDir(p.cacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read epub cache dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || keep[e.Name()] {
			continue
		}
		if err := os.Remove(filepath.Join(p.cacheDir, e.Name())); err != nil {
			return fmt.Errorf("failed to remove cached ebook %s: %w", e.Name(), err)
		}
		if p.log != nil {
			p.log.Debug("Removed orphaned cached ebook", map[string]interface{}{
				"file": e.Name(),
			})
		}
	}
	return nil
}

// Load parses the named EPUB, serving repeated loads from the bounded LRU
// cache.
func (p *Parser) Load(filename string) (*Book, error) {
	pth, err := p.ResolvePath(filename)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if b, ok := p.cache[pth]; ok {
		p.touch(pth)
		p.mu.Unlock()
		return b, nil
	}
	p.mu.Unlock()

	book, err := parseFile(pth)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache[pth] = book
	p.touch(pth)
	for len(p.order) > p.cap {
		evict := p.order[0]
		p.order = p.order[1:]
		delete(p.cache, evict)
		if p.log != nil {
			p.log.Debug("Evicted parsed ebook from cache", map[string]interface{}{"path": evict})
		}
	}
	return book, nil
}

// touch moves key to the most-recently-used end. Caller holds p.mu.
func (p *Parser) touch(key string) {
	for i, k := range p.order {
		if k == key {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.order = append(p.order, key)
}

// Clear drops every cached parse.
func (p *Parser) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = make(map[string]*Book)
	p.order = nil
}

// --- EPUB container parsing ----------------------------------------------

type containerXML struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

type packageXML struct {
	Manifest []struct {
		ID        string `xml:"id,attr"`
		Href      string `xml:"href,attr"`
		MediaType string `xml:"media-type,attr"`
	} `xml:"manifest>item"`
	Spine []struct {
		IDRef string `xml:"idref,attr"`
	} `xml:"spine>itemref"`
}

func parseFile(pth string) (*Book, error) {
	zr, err := zip.OpenReader(pth)
	if err != nil {
		return nil, fmt.Errorf("failed to open epub %s: %w", pth, err)
	}
	defer zr.Close()

	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	opfPath, err := findOPFPath(files)
	if err != nil {
		return nil, err
	}

	var pkg packageXML
	if err := decodeZipXML(files, opfPath, &pkg); err != nil {
		return nil, fmt.Errorf("failed to parse opf: %w", err)
	}

	hrefByID := make(map[string]string, len(pkg.Manifest))
	for _, item := range pkg.Manifest {
		if item.MediaType == "application/xhtml+xml" || item.MediaType == "text/html" {
			hrefByID[item.ID] = item.Href
		}
	}

	opfDir := path.Dir(opfPath)
	book := &Book{Path: pth}
	var sb strings.Builder

	spineIdx := 0
	for _, ref := range pkg.Spine {
		href, ok := hrefByID[ref.IDRef]
		if !ok {
			continue
		}
		full := href
		if opfDir != "." {
			full = path.Join(opfDir, href)
		}
		f, ok := files[full]
		if !ok {
			continue
		}
		root, err := parseZipHTML(f)
		if err != nil {
			continue
		}

		spineIdx++
		item := SpineItem{
			Index: spineIdx,
			Href:  href,
			Start: sb.Len(),
			root:  root,
		}
		extractRuns(root, &sb, &item.runs)
		item.End = sb.Len()
		book.Spine = append(book.Spine, item)

		// One separator between spine documents.
		sb.WriteByte(' ')
	}

	book.Text = strings.TrimRight(sb.String(), " ")
	if len(book.Spine) > 0 {
		last := &book.Spine[len(book.Spine)-1]
		if last.End > len(book.Text) {
			last.End = len(book.Text)
		}
	}
	return book, nil
}

func findOPFPath(files map[string]*zip.File) (string, error) {
	var c containerXML
	if err := decodeZipXML(files, "META-INF/container.xml", &c); err != nil {
		return "", fmt.Errorf("failed to parse container.xml: %w", err)
	}
	if len(c.Rootfiles) == 0 || c.Rootfiles[0].FullPath == "" {
		return "", fmt.Errorf("container.xml has no rootfile")
	}
	return c.Rootfiles[0].FullPath, nil
}

func decodeZipXML(files map[string]*zip.File, name string, v interface{}) error {
	f, ok := files[name]
	if !ok {
		return fmt.Errorf("missing %s", name)
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	return xml.NewDecoder(rc).Decode(v)
}

func parseZipHTML(f *zip.File) (*html.Node, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return html.Parse(rc)
}

// extractRuns walks the document in order, appending trimmed text-node
// content to sb and recording each run's global offsets. Runs are separated
// by single spaces so offsets stay stable between extraction and lookup.
func extractRuns(n *html.Node, sb *strings.Builder, runs *[]textRun) {
	switch n.Type {
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "head":
			return
		}
	case html.TextNode:
		text := collapseSpace(n.Data)
		if text != "" {
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			start := sb.Len()
			sb.WriteString(text)
			*runs = append(*runs, textRun{start: start, end: sb.Len(), node: n})
		}
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractRuns(c, sb, runs)
	}
}

// runAt returns the text run containing the local offset within the item.
func (it *SpineItem) runAt(global int) *textRun {
	if len(it.runs) == 0 {
		return nil
	}
	lo, hi := 0, len(it.runs)-1
	for lo < hi {
		mid := (lo + hi) / 2
		if it.runs[mid].end <= global {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return &it.runs[lo]
}

// TextAt returns a snippet of up to window*2 characters centered on the
// given percentage of the book.
func (b *Book) TextAt(pct float64, window int) string {
	if len(b.Text) == 0 {
		return ""
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 1 {
		pct = 1
	}
	target := int(float64(len(b.Text)) * pct)
	start := target - window
	if start < 0 {
		start = 0
	}
	end := target + window
	if end > len(b.Text) {
		end = len(b.Text)
	}
	return b.Text[start:end]
}

// KoSyncDocumentID computes KOReader's partial-MD5 document hash: MD5 over
// 1 KiB samples at offsets 0, 1024*4^0 .. 1024*4^10.
func KoSyncDocumentID(pth string) (string, error) {
	f, err := os.Open(pth)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", pth, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	size := info.Size()

	h := md5.New()
	buf := make([]byte, 1024)
	for i := -1; i <= 10; i++ {
		var offset int64
		if i >= 0 {
			offset = 1024 << (2 * uint(i))
		}
		if offset >= size {
			break
		}
		n, err := f.ReadAt(buf, offset)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
