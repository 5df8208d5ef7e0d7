package models

import (
	"encoding/json"
	"fmt"
)

// Stage is one ordered step of the pipeline
type Stage int

// Pipeline stages, in execution order
const (
	// StageTranscription turns the audio into text and segments
	StageTranscription Stage = iota
	// StageSummarization produces the structured meeting summary
	StageSummarization
	// StagePersistence writes the durable result artifact
	StagePersistence
)

// NumStages is the number of stages every job goes through
const NumStages = 3

// Stages returns all stages in execution order
func Stages() []Stage {
	return []Stage{StageTranscription, StageSummarization, StagePersistence}
}

var stageNames = []string{
	"transcription",
	"summarization",
	"persistence",
}

func (s Stage) String() string {
	if !s.Valid() {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// Valid reports whether s is a known stage
func (s Stage) Valid() bool {
	return s >= StageTranscription && int(s) < NumStages
}

// IsLast reports whether s is the final stage of the pipeline
func (s Stage) IsLast() bool {
	return int(s) == NumStages-1
}

// Lane returns the queue lane that executes the stage
func (s Stage) Lane() Lane {
	switch s {
	case StageTranscription:
		return LaneAudio
	case StageSummarization:
		return LaneAI
	default:
		return LaneDefault
	}
}

// ParseStage converts a stage name to a Stage
func ParseStage(str string) (Stage, error) {
	for i, name := range stageNames {
		if name == str {
			return Stage(i), nil
		}
	}
	return 0, fmt.Errorf("invalid stage: %s", str)
}

// MarshalJSON implements the json.Marshaler interface for Stage
func (s Stage) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for Stage
func (s *Stage) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	stage, err := ParseStage(str)
	if err != nil {
		return err
	}
	*s = stage
	return nil
}

// Lane is a named queue partition workers pull from
type Lane string

// Lanes are a closed set; each stage maps to exactly one of them
const (
	// LaneDefault receives submissions and persistence work
	LaneDefault Lane = "default"
	// LaneAudio receives transcription work
	LaneAudio Lane = "audio"
	// LaneAI receives summarization work
	LaneAI Lane = "ai"
)

// Lanes returns every lane known to the pipeline
func Lanes() []Lane {
	return []Lane{LaneDefault, LaneAudio, LaneAI}
}

func (l Lane) String() string {
	return string(l)
}

// ParseLane converts a string into a Lane
func ParseLane(str string) (Lane, error) {
	for _, l := range Lanes() {
		if string(l) == str {
			return l, nil
		}
	}
	return "", fmt.Errorf("invalid lane: %s", str)
}
