package record

import (
	"os"
	"sync"

	"github.com/astrogo/fitsio"
	"github.com/rflab/anglesweep/sweep"
)

// FITS collects samples and writes them as a binary table on Close
type FITS struct {
	mu      sync.Mutex
	path    string
	cards   []fitsio.Card
	samples []sweep.Sample
}

// NewFITS writes to path on Close.  cards are added to the table header.
func NewFITS(path string, cards ...fitsio.Card) *FITS {
	return &FITS{path: path, cards: cards}
}

// Record buffers s
func (f *FITS) Record(s sweep.Sample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, s)
	return nil
}

// Close writes the file
func (f *FITS) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fh, err := os.Create(f.path)
	if err != nil {
		return err
	}
	defer fh.Close()
	fits, err := fitsio.Create(fh)
	if err != nil {
		return err
	}
	defer fits.Close()

	// a binary table may not be the primary HDU
	prim := fitsio.NewImage(8, []int{})
	defer prim.Close()
	if err = fits.Write(prim); err != nil {
		return err
	}

	tbl, err := fitsio.NewTable("SWEEP", []fitsio.Column{
		{Name: "ANGLE", Format: "D", Unit: "deg"},
		{Name: "ABSOLUTE", Format: "D", Unit: "deg"},
		{Name: "POSITION", Format: "D", Unit: "deg"},
		{Name: "POWER", Format: "D"},
		{Name: "VALID", Format: "J"},
	}, fitsio.BINARY_TBL)
	if err != nil {
		return err
	}
	defer tbl.Close()
	if err = tbl.Header().Append(f.cards...); err != nil {
		return err
	}
	for _, s := range f.samples {
		var valid int32
		if s.Valid {
			valid = 1
		}
		angle, abs, pos, power := s.Angle, s.Absolute, s.Position, s.Value
		if err = tbl.Write(&angle, &abs, &pos, &power, &valid); err != nil {
			return err
		}
	}
	return fits.Write(tbl)
}
