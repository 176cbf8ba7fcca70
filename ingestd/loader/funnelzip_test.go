package loader

import (
	"archive/zip"
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func zipArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestParseFunnelArchive(t *testing.T) {
	csv := "nmId,dt,openCardCount,addToCartCount,ordersCount,ordersSumRub,buyoutsCount,buyoutsSumRub,cancelCount,cancelSumRub\n" +
		"100,2026-08-01,250,40,12,5990.50,10,4990,1,499\n" +
		"101,2026-08-01,,,,,,,,\n"
	raw := zipArchive(t, map[string]string{
		"report.csv": csv,
		"readme.txt": "not a report",
	})

	rows, err := ParseFunnelArchive(7, raw)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	require.Equal(t, FunnelRow{
		ShopID:     7,
		NmID:       100,
		Date:       time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		OpenCard:   250,
		AddToCart:  40,
		Orders:     12,
		OrdersSum:  5990.5,
		Buyouts:    10,
		BuyoutsSum: 4990,
		Cancels:    1,
		CancelsSum: 499,
	}, rows[0])

	// Blank metric cells read as zero.
	require.Equal(t, int64(101), rows[1].NmID)
	require.Zero(t, rows[1].OpenCard)
	require.Zero(t, rows[1].OrdersSum)
}

func TestParseFunnelArchiveDecimalComma(t *testing.T) {
	csv := "nmId,dt,openCardCount,addToCartCount,ordersCount,ordersSumRub\n" +
		"100,2026-08-01,1,1,1,\"1234,56\"\n"
	rows, err := ParseFunnelArchive(7, zipArchive(t, map[string]string{"r.csv": csv}))
	require.NoError(t, err)
	require.InDelta(t, 1234.56, rows[0].OrdersSum, 0.001)
}

func TestParseFunnelArchiveMissingColumn(t *testing.T) {
	csv := "nmId,openCardCount,addToCartCount,ordersCount\n100,1,1,1\n"
	_, err := ParseFunnelArchive(7, zipArchive(t, map[string]string{"r.csv": csv}))
	require.ErrorContains(t, err, `missing column "dt"`)
}

func TestParseFunnelArchiveEmpty(t *testing.T) {
	_, err := ParseFunnelArchive(7, zipArchive(t, map[string]string{"readme.txt": "x"}))
	require.Error(t, err)

	_, err = ParseFunnelArchive(7, []byte("not a zip"))
	require.Error(t, err)
}
