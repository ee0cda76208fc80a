package packfile

// File extensions used for the 2 files that make up a published pack
const (
	// ExtPackfile is the extension used for the packfile itself
	ExtPackfile = ".pack"
	// ExtIndex is the extension used for a packfile's index
	ExtIndex = ".idx"
)
