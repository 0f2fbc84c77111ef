// Package drive holds the catalog's model of a remote drive item.
package drive

import "time"

// Item is one mirrored object, file or folder. It is what the catalog
// stores and what the mirror engine reasons about. Fields are normalized
// from the Graph API response; callers never see raw API data.
type Item struct {
	RemoteID    string // opaque Graph item id, catalog primary key
	Name        string // remote display name; sync roots store the configured drive-relative path
	LocalPath   string // absolute local path last paired with this item, empty when unpaired
	Existing    bool   // seen during the current refresh sweep
	IsFolder    bool
	Size        int64
	MTime       time.Time // remote lastModifiedDateTime; zero for folders
	ContentHash string    // base64 quickXorHash of content; empty for folders
	ParentID    string    // RemoteID of the containing folder, empty for sync roots
}

// NormalizeFolder clears the file-only fields. Folders never carry size,
// modification time, or a content hash in the catalog.
func (i *Item) NormalizeFolder() {
	if !i.IsFolder {
		return
	}
	i.Size = 0
	i.MTime = time.Time{}
	i.ContentHash = ""
}
