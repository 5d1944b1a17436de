package consensus

import (
	"errors"
	"testing"
	"time"
)

func TestDefaultSettingsAreValid(t *testing.T) {
	if err := DefaultSettings().Validate(); err != nil {
		t.Fatalf("Expected default settings to validate, got %v", err)
	}
}

func TestSettingsValidate(t *testing.T) {
	cases := map[string]func(*Settings){
		"zero block":        func(s *Settings) { s.BlockSize = 0 },
		"episode remainder": func(s *Settings) { s.EpisodeSize = 150 },
		"too few nodes":     func(s *Settings) { s.F = 2 },
		"zero rotation":     func(s *Settings) { s.LeaderRotateInterval = 0 },
		"no protocol":       func(s *Settings) { s.DefaultProtocol = "" },
		"no decision":       func(s *Settings) { s.DecisionQuorum = 0 },
		"negative resend":   func(s *Settings) { s.ResendInterval = -time.Second },
		"report after exchange": func(s *Settings) {
			s.Learning = true
			s.DebugSequence = nil
			s.ReportSequence = s.EpisodeSize * 9 / 10
		},
		"unknown fault override": func(s *Settings) {
			s.Faults.Overrides = map[string][]string{"pbft": {"gremlins"}}
		},
	}
	for name, mutate := range cases {
		s := DefaultSettings()
		mutate(&s)
		if err := s.Validate(); !errors.Is(err, ErrBadSettings) {
			t.Errorf("%s: expected ErrBadSettings, got %v", name, err)
		}
	}
}

func TestLearningOffsetsDefault(t *testing.T) {
	s := DefaultSettings()
	s.EpisodeSize = 100
	r, x, d := s.learningOffsets()
	if r != 50 || x != 75 || d != 99 {
		t.Fatalf("Expected offsets 50 75 99, got %d %d %d", r, x, d)
	}
	s.ExchangeSequence = 60
	if _, x, _ := s.learningOffsets(); x != 60 {
		t.Fatalf("Expected exchange 60, got %d", x)
	}
}

func TestSettingsEpisodes(t *testing.T) {
	s := DefaultSettings()
	s.EpisodeSize = 100
	if s.Episode(99) != 0 || s.Episode(100) != 1 {
		t.Errorf("Expected episodes 0 and 1, got %d %d", s.Episode(99), s.Episode(100))
	}
	if s.EndOfEpisode(150) != 199 {
		t.Errorf("Expected end of episode 199, got %d", s.EndOfEpisode(150))
	}
}

func TestRosterIndexes(t *testing.T) {
	r := NewRoster(4, 2)
	if r.NodeIndex(3) != 3 || r.NodeIndex(4) != -1 {
		t.Errorf("Unexpected node indexes %d %d", r.NodeIndex(3), r.NodeIndex(4))
	}
	if r.ClientIndex(5) != 1 || r.ClientIndex(0) != -1 {
		t.Errorf("Unexpected client indexes %d %d", r.ClientIndex(5), r.ClientIndex(0))
	}
	if got := r.Members(); len(got) != 6 || got[4] != 4 {
		t.Errorf("Expected 6 members with clients last, got %v", got)
	}
}
