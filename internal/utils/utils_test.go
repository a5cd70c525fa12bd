package utils

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestInitLogging(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := InitLogging("debug"); err != nil {
		t.Fatal(err)
	}
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Errorf("level = %s", zerolog.GlobalLevel())
	}
	if err := InitLogging(""); err != nil || zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Errorf("default level = %s, %v", zerolog.GlobalLevel(), err)
	}
	if err := InitLogging("loud"); err == nil {
		t.Error("expected an error")
	}
}

func TestShutdownWg(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		wg.Done()
	}()
	if !ShutdownWg(&wg, time.Second) {
		t.Error("expected a clean shutdown")
	}

	wg.Add(1)
	if ShutdownWg(&wg, 10*time.Millisecond) {
		t.Error("expected a timeout")
	}
	wg.Done()
}
