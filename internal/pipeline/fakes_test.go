package pipeline

import (
	"sync"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
)

type logLine struct {
	severity crawler.Severity
	stage    string
	msg      string
}

type recordingLog struct {
	mu    sync.Mutex
	lines []logLine
}

func (l *recordingLog) Log(_ string, severity crawler.Severity, stage, msg, _ string, _ error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, logLine{severity: severity, stage: stage, msg: msg})
}

func (l *recordingLog) count(severity crawler.Severity) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, line := range l.lines {
		if line.severity == severity {
			n++
		}
	}
	return n
}

func (l *recordingLog) empty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines) == 0
}
