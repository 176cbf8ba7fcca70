package loader

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// maxArchiveEntry caps decompressed size per CSV inside a report
// archive. Reports above this are malformed or hostile.
const maxArchiveEntry = 256 << 20

// ParseFunnelArchive extracts sales-funnel rows from a zipped CSV
// report download. The archive holds one or more CSV files with a
// header row; unknown columns are ignored, missing required columns
// fail the whole archive.
func ParseFunnelArchive(shopID int64, raw []byte) ([]FunnelRow, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("open report archive: %w", err)
	}

	var rows []FunnelRow
	for _, f := range zr.File {
		if !strings.HasSuffix(strings.ToLower(f.Name), ".csv") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", f.Name, err)
		}
		parsed, err := parseFunnelCSV(shopID, io.LimitReader(rc, maxArchiveEntry))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", f.Name, err)
		}
		rows = append(rows, parsed...)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("report archive: no funnel rows found")
	}
	return rows, nil
}

func parseFunnelCSV(shopID int64, r io.Reader) ([]FunnelRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx := map[string]int{}
	for i, name := range header {
		idx[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"nmid", "dt", "opencardcount", "addtocartcount", "orderscount"} {
		if _, ok := idx[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	var rows []FunnelRow
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		row, err := funnelRowFromRecord(shopID, idx, rec)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func funnelRowFromRecord(shopID int64, idx map[string]int, rec []string) (FunnelRow, error) {
	field := func(name string) string {
		i, ok := idx[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}
	nmID, err := strconv.ParseInt(field("nmid"), 10, 64)
	if err != nil {
		return FunnelRow{}, fmt.Errorf("bad nmid %q: %w", field("nmid"), err)
	}
	date, err := time.Parse("2006-01-02", field("dt"))
	if err != nil {
		return FunnelRow{}, fmt.Errorf("bad dt %q: %w", field("dt"), err)
	}
	row := FunnelRow{ShopID: shopID, NmID: nmID, Date: date}
	row.OpenCard = parseCount(field("opencardcount"))
	row.AddToCart = parseCount(field("addtocartcount"))
	row.Orders = parseCount(field("orderscount"))
	row.OrdersSum = parseSum(field("orderssumrub"))
	row.Buyouts = parseCount(field("buyoutscount"))
	row.BuyoutsSum = parseSum(field("buyoutssumrub"))
	row.Cancels = parseCount(field("cancelcount"))
	row.CancelsSum = parseSum(field("cancelsumrub"))
	return row, nil
}

// parseCount tolerates empty cells: the upstream report leaves zero
// metrics blank.
func parseCount(s string) int64 {
	if s == "" {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseSum(s string) float64 {
	if s == "" {
		return 0
	}
	// Some report locales ship decimal commas.
	s = strings.ReplaceAll(s, ",", ".")
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
