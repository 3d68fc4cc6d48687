package emoji

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	kemoji "github.com/kyokomi/emoji/v2"

	"github.com/dotsetgreg/chatbridge/pkg/logger"
)

// Converter translates emoji between platform-specific names, standardized
// names and unicode. The base table comes from the emoji library's code map;
// a per-platform CSV overlay handles only the names that differ from it.
type Converter struct {
	nameToUnicode map[string]string
	unicodeToName map[string]string

	platformToStandard map[string]string
	standardToPlatform map[string]string
}

// NewConverter builds a converter, loading the optional overlay CSV at
// mappingsPath. The file must have a header with platform_specific_name and
// standard_name columns. A missing path yields a converter with no overlay.
func NewConverter(mappingsPath string) *Converter {
	c := &Converter{
		nameToUnicode:      make(map[string]string),
		unicodeToName:      make(map[string]string),
		platformToStandard: make(map[string]string),
		standardToPlatform: make(map[string]string),
	}

	for code, unicode := range kemoji.CodeMap() {
		name := normalizeName(code)
		c.nameToUnicode[name] = unicode
		if _, ok := c.unicodeToName[unicode]; !ok {
			c.unicodeToName[unicode] = name
		}
	}

	if mappingsPath != "" {
		if err := c.loadOverlay(mappingsPath); err != nil {
			logger.ErrorCF("emoji", "Error loading emoji mappings", map[string]any{
				"path":  mappingsPath,
				"error": err.Error(),
			})
		}
	}

	return c
}

func (c *Converter) loadOverlay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}

	platformCol, standardCol := -1, -1
	for i, col := range header {
		switch strings.TrimSpace(col) {
		case "platform_specific_name":
			platformCol = i
		case "standard_name":
			standardCol = i
		}
	}
	if platformCol < 0 || standardCol < 0 {
		return fmt.Errorf("missing platform_specific_name/standard_name columns")
	}

	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		platform := strings.TrimSpace(row[platformCol])
		standard := strings.TrimSpace(row[standardCol])
		if platform == "" || standard == "" {
			continue
		}
		c.platformToStandard[platform] = standard
		c.standardToPlatform[standard] = platform
	}
	return nil
}

// PlatformToUnicode converts a platform-specific emoji name to its unicode
// form. Unknown names come back unchanged.
func (c *Converter) PlatformToUnicode(name string) string {
	standard := normalizeName(name)
	if mapped, ok := c.platformToStandard[standard]; ok {
		standard = mapped
	}
	if unicode, ok := c.nameToUnicode[standard]; ok {
		return unicode
	}
	return name
}

// UnicodeToPlatform converts a unicode emoji to the platform-specific name.
// Unknown sequences come back unchanged.
func (c *Converter) UnicodeToPlatform(u string) string {
	name, ok := c.unicodeToName[u]
	if !ok {
		return u
	}
	if platform, ok := c.standardToPlatform[name]; ok {
		return platform
	}
	return name
}

// StandardName reduces any emoji spelling (unicode, :name:, platform name)
// to the standardized name used on the wire.
func (c *Converter) StandardName(s string) string {
	if name, ok := c.unicodeToName[s]; ok {
		return name
	}
	name := normalizeName(s)
	if mapped, ok := c.platformToStandard[name]; ok {
		return mapped
	}
	return name
}

func normalizeName(s string) string {
	s = strings.Trim(strings.TrimSpace(s), ":")
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "-", "_")
}
