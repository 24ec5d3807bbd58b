package storage

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/appwrite/sdk-for-go/appwrite"
	"github.com/appwrite/sdk-for-go/client"
	"github.com/appwrite/sdk-for-go/tablesdb"
	"go.uber.org/zap"

	"github.com/back2basic/dohrdns/model"
)

// Appwrite pushes daily lookup totals to an Appwrite table.
type Appwrite struct {
	client  *client.Client
	db      *tablesdb.TablesDB
	dbID    string
	tableID string
	log     *zap.Logger
}

// AppwriteFromEnv returns nil when any APPWRITE_* variable is missing.
func AppwriteFromEnv(log *zap.Logger) *Appwrite {
	endpoint := os.Getenv("APPWRITE_ENDPOINT")
	project := os.Getenv("APPWRITE_PROJECT")
	apiKey := os.Getenv("APPWRITE_API_KEY")
	dbID := os.Getenv("APPWRITE_DATABASE")
	tableID := os.Getenv("APPWRITE_TABLE")

	if endpoint == "" || project == "" || apiKey == "" || dbID == "" || tableID == "" {
		log.Info("appwrite: missing environment variables, daily push disabled")
		return nil
	}

	client := appwrite.NewClient(
		appwrite.WithEndpoint(endpoint),
		appwrite.WithProject(project),
		appwrite.WithKey(apiKey),
	)

	return &Appwrite{
		client:  &client,
		db:      tablesdb.New(client),
		dbID:    dbID,
		tableID: tableID,
		log:     log,
	}
}

func makeRowID(hostname, ip, day string) string {
	h := sha1.New()
	h.Write([]byte(hostname))
	h.Write([]byte(ip))
	h.Write([]byte(day))
	sum := hex.EncodeToString(h.Sum(nil))
	return sum[:32] // appwrite ids are at most 36 chars
}

func rowData(hostname, day string, r model.AggregatedRecord) map[string]interface{} {
	return map[string]interface{}{
		"hostname": hostname,
		"ip":       r.IP,
		"dns":      r.DNS,
		"day":      day,
		"lookups":  r.Lookups,
		"hits":     r.Hits,
		"failures": r.Failures,
	}
}

// PushDaily upserts one row per address for day and returns how many rows
// were written. A nil receiver is a no-op.
func (a *Appwrite) PushDaily(hostname string, day time.Time, rows []model.AggregatedRecord) (int, error) {
	if a == nil || a.client == nil {
		return 0, nil
	}

	dayStr := day.UTC().Format("2006-01-02")

	pushed := 0
	var firstErr error
	for _, r := range rows {
		if r.Lookups == 0 {
			continue
		}

		rowID := makeRowID(hostname, r.IP, dayStr)
		_, err := a.db.UpsertRow(a.dbID, a.tableID, rowID, a.db.WithUpsertRowData(rowData(hostname, dayStr, r)))
		if err != nil {
			a.log.Warn("appwrite: upsert failed", zap.String("row", rowID), zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("upsert %s: %w", rowID, err)
			}
			continue
		}
		pushed++
	}

	a.log.Info("appwrite: pushed daily rows", zap.Int("rows", pushed))
	return pushed, firstErr
}
