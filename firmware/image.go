package firmware

import (
	"fmt"
	"os"
	"sort"

	"github.com/marcinbor85/gohex"
)

// Segment is one contiguous address-ordered byte range parsed out of an
// Intel HEX record set.
type Segment struct {
	Address uint32
	Data    []byte
}

// Image is a parsed firmware image, ready to be fed to a Segmenter. It
// keeps gohex's segments in ascending address order so TransferData blocks
// are always written to the ECU in the order the image defines them.
type Image struct {
	Segments []Segment
}

// LoadIntelHex parses an Intel HEX file into an Image using gohex.
func LoadIntelHex(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("firmware: open %s: %w", path, err)
	}
	defer f.Close()

	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(f); err != nil {
		return nil, fmt.Errorf("firmware: parse intel hex %s: %w", path, err)
	}

	img := &Image{}
	for _, seg := range mem.GetDataSegments() {
		img.Segments = append(img.Segments, Segment{
			Address: seg.Address,
			Data:    seg.Data,
		})
	}
	sort.Slice(img.Segments, func(i, j int) bool {
		return img.Segments[i].Address < img.Segments[j].Address
	})
	if len(img.Segments) == 0 {
		return nil, fmt.Errorf("firmware: %s contains no data segments", path)
	}
	return img, nil
}

// TotalSize returns the sum of every segment's data length, the number of
// TransferData payload bytes this image will eventually require.
func (img *Image) TotalSize() int {
	total := 0
	for _, seg := range img.Segments {
		total += len(seg.Data)
	}
	return total
}
