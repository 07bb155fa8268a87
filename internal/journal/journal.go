package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event type constants
const (
	EventTypeOrderAccepted      = "ORDER_ACCEPTED"
	EventTypeOrderCancelled     = "ORDER_CANCELLED"
	EventTypeTradeExecuted      = "TRADE_EXECUTED"
	EventTypeMarketStatus       = "MARKET_STATUS"
	EventTypePositionLiquidated = "POSITION_LIQUIDATED"
)

// Event is one append-only journal record. Data holds the
// component-specific payload (order, trade, liquidation).
type Event struct {
	Timestamp time.Time   `json:"timestamp"`
	EventType string      `json:"event_type"`
	Market    string      `json:"market,omitempty"`
	Data      interface{} `json:"data"`
}

// Journal appends events to a JSON-lines file and replays them for
// recovery. Writes are buffered; the append happens after state
// mutation and outside any matching step, so it never blocks the
// deterministic core.
type Journal struct {
	filePath string
	file     *os.File
	writer   *bufio.Writer
	mu       sync.Mutex
	log      *zap.SugaredLogger
}

// Open creates or opens a journal file, creating parent directories as
// needed.
func Open(log *zap.SugaredLogger, path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}
	return &Journal{
		filePath: path,
		file:     f,
		writer:   bufio.NewWriter(f),
		log:      log,
	}, nil
}

// Append writes one event. Errors are returned but a failed append
// never unwinds the state mutation it records; callers log and move on.
func (j *Journal) Append(eventType, market string, data interface{}) error {
	ev := Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Market:    market,
		Data:      data,
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal journal event: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.writer.Write(line); err != nil {
		return fmt.Errorf("failed to write journal event: %w", err)
	}
	if err := j.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write journal event: %w", err)
	}
	return nil
}

// Flush pushes buffered events to the file.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.writer.Flush()
}

// Replay reads every journaled event in append order. The handler
// returns false to stop early.
func (j *Journal) Replay(handler func(Event) bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.writer.Flush(); err != nil {
		j.log.Errorw("failed to flush writer before replay", "error", err)
	}

	f, err := os.Open(j.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			j.log.Info("no journal file found for replay")
			return nil
		}
		return fmt.Errorf("failed to open journal for replay: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			j.log.Warnw("skipping corrupt journal line", "line", line, "error", err)
			continue
		}
		if !handler(ev) {
			return nil
		}
	}
	return scanner.Err()
}

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.writer.Flush(); err != nil {
		return err
	}
	return j.file.Close()
}
