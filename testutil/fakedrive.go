// Package testutil provides an in-memory imitation of the Microsoft
// Graph drive endpoints for end-to-end tests. The fake speaks just
// enough of the wire protocol for full mirror cycles: item lookup by
// path, paginated children listings, folder creation with
// rename-on-conflict, deletion, and chunked upload sessions. It depends
// only on stdlib and pkg/quickxorhash so any package in the module can
// use it.
package testutil

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PieroV/mirror-to-onedrive/pkg/quickxorhash"
)

// Operation names accepted by ThrottleNext.
const (
	OpGetByPath     = "getByPath"
	OpListChildren  = "listChildren"
	OpCreateFolder  = "createFolder"
	OpDelete        = "delete"
	OpCreateSession = "createUploadSession"
)

// uploadPrefix is the path under which session upload URLs are served.
// Like the real pre-authenticated URLs, requests here carry no
// Authorization header.
const uploadPrefix = "/uploads/"

// timestampFormat renders timestamps the way the service does, with
// millisecond precision in UTC.
const timestampFormat = "2006-01-02T15:04:05.000Z"

// Counts tallies the requests the fake has served. Only requests that
// actually reached the drive are counted; throttled rejections are not.
// Tests snapshot Counts around a mirror pass to measure how much remote
// work the pass issued.
type Counts struct {
	PathLookups    int
	Listings       int
	FolderCreates  int
	Deletes        int
	SessionCreates int
	ChunkPuts      int
	Uploads        int // completed upload sessions
}

// Mutations returns the drive-changing total: folder creates, deletes,
// and completed uploads.
func (c Counts) Mutations() int {
	return c.FolderCreates + c.Deletes + c.Uploads
}

// ItemInfo is a read-only snapshot of one drive item.
type ItemInfo struct {
	ID       string
	Name     string
	Folder   bool
	Content  []byte
	Modified time.Time
}

// fakeItem is one node of the in-memory drive tree.
type fakeItem struct {
	id       string
	name     string
	parentID string
	folder   bool
	content  []byte
	created  time.Time
	modified time.Time
}

// uploadSession accumulates the chunks of one in-flight upload.
// targetID is set when the upload replaces an existing file; parentID
// and name describe the file to create otherwise.
type uploadSession struct {
	targetID string
	parentID string
	name     string
	created  time.Time
	modified time.Time
	buf      []byte
}

// FakeDrive is an httptest-backed double of a single drive. One lock
// serializes every request and helper, so a FakeDrive tolerates
// concurrent use even though the mirror drives it sequentially.
type FakeDrive struct {
	srv *httptest.Server

	mu          sync.Mutex
	items       map[string]*fakeItem
	rootID      string
	nextID      int
	pageSize    int
	sessions    map[string]*uploadSession
	nextSession int
	throttled   map[string]int // operation name to remaining 429 responses
	retryAfter  int            // seconds advertised on injected 429s
	counts      Counts
}

// NewFakeDrive starts a fake drive holding only its root folder.
// Callers own the drive and must Close it.
func NewFakeDrive() *FakeDrive {
	d := &FakeDrive{
		items:      make(map[string]*fakeItem),
		sessions:   make(map[string]*uploadSession),
		throttled:  make(map[string]int),
		pageSize:   200,
		retryAfter: 1,
	}

	d.rootID = d.addItem(&fakeItem{name: "root", folder: true})
	d.srv = httptest.NewServer(http.HandlerFunc(d.route))

	return d
}

// URL returns the base URL to hand to the API client under test.
func (d *FakeDrive) URL() string { return d.srv.URL }

// Close shuts the underlying HTTP server down.
func (d *FakeDrive) Close() { d.srv.Close() }

// AddFolder creates the folders along remotePath, mkdir -p style, and
// returns the id of the last one. Paths are slash-separated and
// relative to the drive root.
func (d *FakeDrive) AddFolder(remotePath string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur := d.items[d.rootID]

	for _, seg := range strings.Split(remotePath, "/") {
		if seg == "" || seg == "." {
			continue
		}

		next := d.childNamed(cur.id, seg)
		if next == nil {
			next = &fakeItem{name: seg, parentID: cur.id, folder: true}
			d.addItem(next)
		}

		cur = next
	}

	return cur.id
}

// AddFile creates a file at remotePath with the given content and
// modification time. Panics when the parent folder does not exist;
// that is a bug in the test itself.
func (d *FakeDrive) AddFile(remotePath string, content []byte, modified time.Time) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	parent := d.resolve(path.Dir(remotePath))
	if parent == nil || !parent.folder {
		panic("testutil: AddFile parent does not exist: " + remotePath)
	}

	return d.addItem(&fakeItem{
		name:     path.Base(remotePath),
		parentID: parent.id,
		content:  slices.Clone(content),
		created:  modified,
		modified: modified,
	})
}

// Remove deletes the item at remotePath and its descendants, imitating
// a deletion made from another device. Returns false when the path
// does not resolve.
func (d *FakeDrive) Remove(remotePath string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	it := d.resolve(remotePath)
	if it == nil || it.id == d.rootID {
		return false
	}

	d.removeSubtree(it.id)

	return true
}

// Stat returns a snapshot of the item at remotePath.
func (d *FakeDrive) Stat(remotePath string) (ItemInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	it := d.resolve(remotePath)
	if it == nil {
		return ItemInfo{}, false
	}

	return ItemInfo{
		ID:       it.id,
		Name:     it.name,
		Folder:   it.folder,
		Content:  slices.Clone(it.content),
		Modified: it.modified,
	}, true
}

// ChildNames returns the names under the folder at remotePath, sorted.
func (d *FakeDrive) ChildNames(remotePath string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	it := d.resolve(remotePath)
	if it == nil {
		return nil
	}

	var names []string
	for _, child := range d.children(it.id) {
		names = append(names, child.name)
	}

	return names
}

// ItemCount returns how many items the drive holds, the root excluded.
func (d *FakeDrive) ItemCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.items) - 1
}

// SetPageSize caps children listings at n items per page. Small pages
// exercise the client's pagination handling.
func (d *FakeDrive) SetPageSize(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pageSize = n
}

// ThrottleNext makes the fake reject the next n requests of the given
// operation with 429 and a Retry-After of sec seconds. Op is one of
// the Op constants.
func (d *FakeDrive) ThrottleNext(op string, n, sec int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.throttled[op] += n
	d.retryAfter = sec
}

// Counts returns a snapshot of the request tallies.
func (d *FakeDrive) Counts() Counts {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.counts
}

// addItem assigns the item its id and stores it. Caller holds the lock.
func (d *FakeDrive) addItem(it *fakeItem) string {
	d.nextID++
	it.id = fmt.Sprintf("item-%d", d.nextID)
	d.items[it.id] = it

	return it.id
}

// children returns the items under parentID sorted by name, the order
// listings paginate in. Caller holds the lock.
func (d *FakeDrive) children(parentID string) []*fakeItem {
	var out []*fakeItem

	for _, it := range d.items {
		if it.parentID == parentID {
			out = append(out, it)
		}
	}

	slices.SortFunc(out, func(a, b *fakeItem) int {
		return strings.Compare(a.name, b.name)
	})

	return out
}

// childNamed finds a child by case-insensitive name, like the real
// service. Caller holds the lock.
func (d *FakeDrive) childNamed(parentID, name string) *fakeItem {
	for _, it := range d.children(parentID) {
		if strings.EqualFold(it.name, name) {
			return it
		}
	}

	return nil
}

// resolve walks a slash-separated drive-relative path from the root.
// Caller holds the lock.
func (d *FakeDrive) resolve(remotePath string) *fakeItem {
	cur := d.items[d.rootID]

	for _, seg := range strings.Split(remotePath, "/") {
		if seg == "" || seg == "." {
			continue
		}

		next := d.childNamed(cur.id, seg)
		if next == nil {
			return nil
		}

		cur = next
	}

	return cur
}

// removeSubtree deletes an item and everything under it. Caller holds
// the lock.
func (d *FakeDrive) removeSubtree(id string) {
	for _, child := range d.children(id) {
		d.removeSubtree(child.id)
	}

	delete(d.items, id)
}

// availableName resolves a name collision the way conflictBehavior
// "rename" does: "docs" becomes "docs 1", "a.txt" becomes "a 1.txt".
// Caller holds the lock.
func (d *FakeDrive) availableName(parentID, name string) string {
	if d.childNamed(parentID, name) == nil {
		return name
	}

	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s %d%s", stem, n, ext)
		if d.childNamed(parentID, candidate) == nil {
			return candidate
		}
	}
}

// throttle consumes one injected 429 for op, writing the rejection and
// reporting true when the request must not be served. Caller holds the
// lock.
func (d *FakeDrive) throttle(w http.ResponseWriter, op string) bool {
	if d.throttled[op] == 0 {
		return false
	}

	d.throttled[op]--
	w.Header().Set("Retry-After", strconv.Itoa(d.retryAfter))
	writeError(w, http.StatusTooManyRequests, "activityLimitReached", "throttled")

	return true
}

// route dispatches every request under one lock.
func (d *FakeDrive) route(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := r.URL.Path

	// Session URLs are pre-authenticated; everything else needs a token.
	if !strings.HasPrefix(p, uploadPrefix) && r.Header.Get("Authorization") == "" {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
		return
	}

	switch {
	case p == "/me/drives" && r.Method == http.MethodGet:
		d.handleDrives(w)
	case strings.HasPrefix(p, "/me/drive/root:/"):
		d.routeByPath(w, r, strings.TrimPrefix(p, "/me/drive/root:/"))
	case strings.HasPrefix(p, "/me/drive/items/"):
		d.routeByID(w, r, strings.TrimPrefix(p, "/me/drive/items/"))
	case strings.HasPrefix(p, uploadPrefix):
		d.routeSession(w, r, strings.TrimPrefix(p, uploadPrefix))
	default:
		writeError(w, http.StatusNotFound, "itemNotFound", "no route for "+r.Method+" "+p)
	}
}

func (d *FakeDrive) routeByPath(w http.ResponseWriter, r *http.Request, rest string) {
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(rest, ":/createUploadSession"):
		d.handleCreateSessionByPath(w, r, strings.TrimSuffix(rest, ":/createUploadSession"))
	case r.Method == http.MethodGet && strings.HasSuffix(rest, ":"):
		d.handleGetByPath(w, strings.TrimSuffix(rest, ":"))
	default:
		writeError(w, http.StatusNotFound, "itemNotFound", "no route for "+r.Method+" "+r.URL.Path)
	}
}

func (d *FakeDrive) routeByID(w http.ResponseWriter, r *http.Request, rest string) {
	id, op, _ := strings.Cut(rest, "/")

	switch {
	case op == "" && r.Method == http.MethodDelete:
		d.handleDelete(w, id)
	case op == "children" && r.Method == http.MethodGet:
		d.handleListChildren(w, r, id)
	case op == "children" && r.Method == http.MethodPost:
		d.handleCreateFolder(w, r, id)
	case op == "createUploadSession" && r.Method == http.MethodPost:
		d.handleCreateSessionByID(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "itemNotFound", "no route for "+r.Method+" "+r.URL.Path)
	}
}

func (d *FakeDrive) routeSession(w http.ResponseWriter, r *http.Request, sid string) {
	switch r.Method {
	case http.MethodPut:
		d.handleChunk(w, r, sid)
	case http.MethodDelete:
		delete(d.sessions, sid)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "invalidRequest", "unsupported method "+r.Method)
	}
}

func (d *FakeDrive) handleDrives(w http.ResponseWriter) {
	var used int
	for _, it := range d.items {
		used += len(it.content)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"value": []any{map[string]any{
			"id":        "drive-1",
			"name":      "OneDrive",
			"driveType": "personal",
			"quota":     map[string]any{"used": used, "total": 5 << 30},
		}},
	})
}

func (d *FakeDrive) handleGetByPath(w http.ResponseWriter, remotePath string) {
	if d.throttle(w, OpGetByPath) {
		return
	}

	it := d.resolve(remotePath)
	if it == nil {
		writeError(w, http.StatusNotFound, "itemNotFound", "no item at "+remotePath)
		return
	}

	d.counts.PathLookups++
	writeJSON(w, http.StatusOK, d.itemJSON(it))
}

func (d *FakeDrive) handleListChildren(w http.ResponseWriter, r *http.Request, id string) {
	if d.throttle(w, OpListChildren) {
		return
	}

	parent, ok := d.items[id]
	if !ok || !parent.folder {
		writeError(w, http.StatusNotFound, "itemNotFound", "no folder "+id)
		return
	}

	d.counts.Listings++

	all := d.children(id)

	off := 0
	if tok := r.URL.Query().Get("skiptoken"); tok != "" {
		off, _ = strconv.Atoi(tok)
	}

	end := min(off+d.pageSize, len(all))
	if off > end {
		off = end
	}

	page := make([]any, 0, end-off)
	for _, it := range all[off:end] {
		page = append(page, d.itemJSON(it))
	}

	body := map[string]any{"value": page}

	if end < len(all) {
		q := url.Values{}
		q.Set("select", r.URL.Query().Get("select"))
		q.Set("skiptoken", strconv.Itoa(end))
		body["@odata.nextLink"] = fmt.Sprintf("%s/me/drive/items/%s/children?%s", d.srv.URL, id, q.Encode())
	}

	writeJSON(w, http.StatusOK, body)
}

func (d *FakeDrive) handleCreateFolder(w http.ResponseWriter, r *http.Request, parentID string) {
	if d.throttle(w, OpCreateFolder) {
		return
	}

	parent, ok := d.items[parentID]
	if !ok || !parent.folder {
		writeError(w, http.StatusNotFound, "itemNotFound", "no folder "+parentID)
		return
	}

	var req struct {
		Name   string          `json:"name"`
		Folder json.RawMessage `json:"folder"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalidRequest", "malformed folder request")
		return
	}

	it := &fakeItem{
		name:     d.availableName(parentID, req.Name),
		parentID: parentID,
		folder:   true,
	}
	d.addItem(it)
	d.counts.FolderCreates++

	writeJSON(w, http.StatusCreated, d.itemJSON(it))
}

func (d *FakeDrive) handleDelete(w http.ResponseWriter, id string) {
	if d.throttle(w, OpDelete) {
		return
	}

	if _, ok := d.items[id]; !ok {
		writeError(w, http.StatusNotFound, "itemNotFound", "no item "+id)
		return
	}

	d.removeSubtree(id)
	d.counts.Deletes++
	w.WriteHeader(http.StatusNoContent)
}

func (d *FakeDrive) handleCreateSessionByID(w http.ResponseWriter, r *http.Request, id string) {
	if d.throttle(w, OpCreateSession) {
		return
	}

	it, ok := d.items[id]
	if !ok || it.folder {
		writeError(w, http.StatusNotFound, "itemNotFound", "no file "+id)
		return
	}

	meta, err := decodeSessionRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalidRequest", err.Error())
		return
	}

	d.openSession(w, &uploadSession{
		targetID: id,
		created:  meta.created,
		modified: meta.modified,
	})
}

func (d *FakeDrive) handleCreateSessionByPath(w http.ResponseWriter, r *http.Request, target string) {
	if d.throttle(w, OpCreateSession) {
		return
	}

	parent := d.resolve(path.Dir(target))
	if parent == nil || !parent.folder {
		writeError(w, http.StatusNotFound, "itemNotFound", "no folder for "+target)
		return
	}

	meta, err := decodeSessionRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalidRequest", err.Error())
		return
	}

	name := meta.name
	if name == "" {
		name = path.Base(target)
	}

	d.openSession(w, &uploadSession{
		parentID: parent.id,
		name:     name,
		created:  meta.created,
		modified: meta.modified,
	})
}

// openSession registers the session and answers with its upload URL.
// Caller holds the lock.
func (d *FakeDrive) openSession(w http.ResponseWriter, sess *uploadSession) {
	d.nextSession++
	sid := fmt.Sprintf("session-%d", d.nextSession)
	d.sessions[sid] = sess
	d.counts.SessionCreates++

	writeJSON(w, http.StatusOK, map[string]any{
		"uploadUrl":          d.srv.URL + uploadPrefix + sid,
		"expirationDateTime": time.Now().UTC().Add(15 * time.Minute).Format(timestampFormat),
	})
}

func (d *FakeDrive) handleChunk(w http.ResponseWriter, r *http.Request, sid string) {
	sess, ok := d.sessions[sid]
	if !ok {
		writeError(w, http.StatusNotFound, "itemNotFound", "no session "+sid)
		return
	}

	start, end, total, err := parseContentRange(r.Header.Get("Content-Range"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalidRange", err.Error())
		return
	}

	// Chunks must arrive in order and without gaps.
	if start != int64(len(sess.buf)) {
		writeError(w, http.StatusConflict, "invalidRange",
			fmt.Sprintf("expected offset %d, got %d", len(sess.buf), start))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil || int64(len(body)) != end-start+1 {
		writeError(w, http.StatusBadRequest, "invalidRange", "chunk body does not match Content-Range")
		return
	}

	d.counts.ChunkPuts++
	sess.buf = append(sess.buf, body...)

	if int64(len(sess.buf)) < total {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"nextExpectedRanges": []string{fmt.Sprintf("%d-%d", len(sess.buf), total-1)},
		})

		return
	}

	it, status := d.finishUpload(sess)
	delete(d.sessions, sid)

	if it == nil {
		writeError(w, http.StatusNotFound, "itemNotFound", "upload target is gone")
		return
	}

	d.counts.Uploads++
	writeJSON(w, status, d.itemJSON(it))
}

// finishUpload lands a completed session on the drive. Overwrites keep
// the item's identity; creates resolve name collisions by renaming.
// Caller holds the lock.
func (d *FakeDrive) finishUpload(sess *uploadSession) (*fakeItem, int) {
	if sess.targetID != "" {
		it, ok := d.items[sess.targetID]
		if !ok {
			return nil, 0
		}

		it.content = sess.buf
		it.created = sess.created
		it.modified = sess.modified

		return it, http.StatusOK
	}

	it := &fakeItem{
		name:     d.availableName(sess.parentID, sess.name),
		parentID: sess.parentID,
		content:  sess.buf,
		created:  sess.created,
		modified: sess.modified,
	}
	d.addItem(it)

	return it, http.StatusCreated
}

// itemJSON renders an item the way listings and upload responses do.
// Caller holds the lock.
func (d *FakeDrive) itemJSON(it *fakeItem) map[string]any {
	m := map[string]any{
		"id":   it.id,
		"name": it.name,
		"size": len(it.content),
	}

	if it.folder {
		m["folder"] = map[string]any{"childCount": len(d.children(it.id))}
		return m
	}

	m["file"] = map[string]any{
		"hashes": map[string]any{"quickXorHash": quickXor(it.content)},
	}
	m["fileSystemInfo"] = map[string]any{
		"createdDateTime":      it.created.UTC().Format(timestampFormat),
		"lastModifiedDateTime": it.modified.UTC().Format(timestampFormat),
	}

	return m
}

// sessionMeta is the metadata a createUploadSession request carries:
// the new item's leaf name and the local timestamps to preserve.
type sessionMeta struct {
	name     string
	created  time.Time
	modified time.Time
}

func decodeSessionRequest(r *http.Request) (sessionMeta, error) {
	var req struct {
		Item struct {
			Name           string `json:"name"`
			FileSystemInfo struct {
				CreatedDateTime      string `json:"createdDateTime"`
				LastModifiedDateTime string `json:"lastModifiedDateTime"`
			} `json:"fileSystemInfo"`
		} `json:"item"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return sessionMeta{}, fmt.Errorf("malformed session request: %w", err)
	}

	meta := sessionMeta{name: req.Item.Name}

	var err error
	if raw := req.Item.FileSystemInfo.CreatedDateTime; raw != "" {
		if meta.created, err = time.Parse(time.RFC3339, raw); err != nil {
			return sessionMeta{}, fmt.Errorf("bad createdDateTime %q: %w", raw, err)
		}
	}

	if raw := req.Item.FileSystemInfo.LastModifiedDateTime; raw != "" {
		if meta.modified, err = time.Parse(time.RFC3339, raw); err != nil {
			return sessionMeta{}, fmt.Errorf("bad lastModifiedDateTime %q: %w", raw, err)
		}
	}

	return meta, nil
}

// parseContentRange parses "bytes {start}-{end}/{total}".
func parseContentRange(header string) (start, end, total int64, err error) {
	rest, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", header)
	}

	span, totalStr, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", header)
	}

	startStr, endStr, ok := strings.Cut(span, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", header)
	}

	if start, err = strconv.ParseInt(startStr, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", header)
	}

	if end, err = strconv.ParseInt(endStr, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", header)
	}

	if total, err = strconv.ParseInt(totalStr, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", header)
	}

	return start, end, total, nil
}

// quickXor digests content the way the service reports it.
func quickXor(content []byte) string {
	h := quickxorhash.New()
	_, _ = h.Write(content)

	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"code":%q,"message":%q}}`, code, message)
}
