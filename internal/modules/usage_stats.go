// Package modules provides peripheral feature modules for the relay server.
package modules

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mkalpine/codeassist-relay/internal/config"
	"github.com/mkalpine/codeassist-relay/internal/utils"
)

// usageRetentionDays is how long hour buckets are kept.
const usageRetentionDays = 30

// HourBucket counts requests in one hour, per model family and short name.
type HourBucket struct {
	Families map[string]map[string]int
	Total    int
}

// MarshalJSON flattens the bucket into the persisted shape, with families as
// nested maps and "_total" alongside them.
func (b *HourBucket) MarshalJSON() ([]byte, error) {
	flat := make(map[string]interface{}, len(b.Families)+1)
	for family, models := range b.Families {
		flat[family] = models
	}
	flat["_total"] = b.Total
	return json.Marshal(flat)
}

// UnmarshalJSON restores a bucket from the persisted shape.
func (b *HourBucket) UnmarshalJSON(data []byte) error {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	b.Families = make(map[string]map[string]int)
	for key, raw := range flat {
		if key == "_total" {
			if err := json.Unmarshal(raw, &b.Total); err != nil {
				return err
			}
			continue
		}
		var models map[string]int
		if err := json.Unmarshal(raw, &models); err != nil {
			return err
		}
		b.Families[key] = models
	}
	return nil
}

// UsageStats tracks hour-bucketed request counts and persists them to the
// usage history file.
type UsageStats struct {
	mu          sync.Mutex
	path        string
	buckets     map[int64]*HourBucket // hour-start epoch ms -> bucket
	initialized bool
	stopChan    chan struct{}
}

// NewUsageStats creates a usage tracker backed by the given file path. An
// empty path uses the default location.
func NewUsageStats(path string) *UsageStats {
	if path == "" {
		path = config.UsageHistoryPath
	}
	u := &UsageStats{
		path:     path,
		buckets:  make(map[int64]*HourBucket),
		stopChan: make(chan struct{}),
	}
	u.load()
	return u
}

// Initialize starts the background pruning loop.
func (u *UsageStats) Initialize() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.initialized {
		return
	}
	go u.backgroundPrune()
	u.initialized = true
	utils.Info("[UsageStats] Module initialized")
}

// Shutdown stops the background loop.
func (u *UsageStats) Shutdown() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.initialized {
		return
	}
	close(u.stopChan)
	u.initialized = false
}

func (u *UsageStats) backgroundPrune() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-u.stopChan:
			return
		case <-ticker.C:
			if pruned := u.Prune(); pruned > 0 {
				utils.Debug("[UsageStats] Pruned %d old bucket(s)", pruned)
			}
		}
	}
}

// GetFamily extracts the model family from a model id
func GetFamily(modelID string) string {
	lower := strings.ToLower(modelID)
	if strings.Contains(lower, "claude") {
		return "claude"
	}
	if strings.Contains(lower, "gemini") {
		return "gemini"
	}
	return "other"
}

// GetShortName strips the family prefix from a model id. Models in the
// "other" family keep their full name.
func GetShortName(modelID, family string) string {
	if family == "other" {
		return modelID
	}
	prefix := family + "-"
	if strings.HasPrefix(strings.ToLower(modelID), prefix) {
		return modelID[len(prefix):]
	}
	return modelID
}

// hourStart truncates a time to the start of its hour, in epoch ms.
func hourStart(t time.Time) int64 {
	return t.Truncate(time.Hour).UnixMilli()
}

// Track records one request for a model in the current hour bucket.
func (u *UsageStats) Track(modelID string) {
	family := GetFamily(modelID)
	shortName := GetShortName(modelID, family)
	hour := hourStart(time.Now())

	u.mu.Lock()
	bucket, ok := u.buckets[hour]
	if !ok {
		bucket = &HourBucket{Families: make(map[string]map[string]int)}
		u.buckets[hour] = bucket
	}
	if bucket.Families[family] == nil {
		bucket.Families[family] = make(map[string]int)
	}
	bucket.Families[family][shortName]++
	bucket.Total++
	u.mu.Unlock()

	if err := u.save(); err != nil {
		utils.Debug("[UsageStats] Failed to persist usage: %v", err)
	}
}

// CurrentBucket returns a copy of this hour's bucket, or an empty one.
func (u *UsageStats) CurrentBucket() HourBucket {
	u.mu.Lock()
	defer u.mu.Unlock()

	bucket, ok := u.buckets[hourStart(time.Now())]
	if !ok {
		return HourBucket{Families: map[string]map[string]int{}}
	}
	copied := HourBucket{
		Families: make(map[string]map[string]int, len(bucket.Families)),
		Total:    bucket.Total,
	}
	for family, models := range bucket.Families {
		copied.Families[family] = make(map[string]int, len(models))
		for name, count := range models {
			copied.Families[family][name] = count
		}
	}
	return copied
}

// Prune drops buckets older than the retention window and persists.
func (u *UsageStats) Prune() int {
	cutoff := time.Now().AddDate(0, 0, -usageRetentionDays).UnixMilli()

	u.mu.Lock()
	pruned := 0
	for hour := range u.buckets {
		if hour < cutoff {
			delete(u.buckets, hour)
			pruned++
		}
	}
	u.mu.Unlock()

	if pruned > 0 {
		if err := u.save(); err != nil {
			utils.Debug("[UsageStats] Failed to persist prune: %v", err)
		}
	}
	return pruned
}

// GetHistory returns the retained buckets keyed by ISO hour, sorted.
func (u *UsageStats) GetHistory() map[string]interface{} {
	u.mu.Lock()
	hours := make([]int64, 0, len(u.buckets))
	for hour := range u.buckets {
		hours = append(hours, hour)
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i] < hours[j] })

	result := make(map[string]interface{}, len(hours))
	for _, hour := range hours {
		bucket := u.buckets[hour]
		isoKey := time.UnixMilli(hour).UTC().Format("2006-01-02T15:04:05.000Z")
		hourData := make(map[string]interface{}, len(bucket.Families)+1)
		hourData["_total"] = bucket.Total
		for family, models := range bucket.Families {
			hourData[family] = models
		}
		result[isoKey] = hourData
	}
	u.mu.Unlock()
	return result
}

// SetupRoutes adds the stats API routes to a router group.
func (u *UsageStats) SetupRoutes(router *gin.RouterGroup) {
	router.GET("/stats/history", u.handleGetHistory)
}

func (u *UsageStats) handleGetHistory(c *gin.Context) {
	c.JSON(http.StatusOK, u.GetHistory())
}

// load reads the usage history file if present.
func (u *UsageStats) load() {
	raw, err := os.ReadFile(u.path)
	if err != nil {
		return
	}

	var persisted map[string]*HourBucket
	if err := json.Unmarshal(raw, &persisted); err != nil {
		utils.Warn("[UsageStats] Failed to parse usage history: %v", err)
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	for key, bucket := range persisted {
		hour, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		u.buckets[hour] = bucket
	}
}

// save writes the buckets atomically.
func (u *UsageStats) save() error {
	u.mu.Lock()
	persisted := make(map[string]*HourBucket, len(u.buckets))
	for hour, bucket := range u.buckets {
		persisted[strconv.FormatInt(hour, 10)] = bucket
	}
	data, err := json.MarshalIndent(persisted, "", "  ")
	u.mu.Unlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(u.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".usage-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, u.path)
}
