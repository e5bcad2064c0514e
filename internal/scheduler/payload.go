package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Purpose distinguishes the notifications registered for one occurrence.
type Purpose string

const (
	PurposePrimary        Purpose = "primary"
	PurposeFollowUp       Purpose = "followup"
	PurposeBackup         Purpose = "backup"
	PurposeSnooze         Purpose = "snooze"
	PurposeSnoozeFollowUp Purpose = "snoozefollowup"
	PurposeSnoozeBackup   Purpose = "snoozebackup"
)

// Payload keys of the notification wire format.
const (
	KeyAlarmID       = "alarmID"
	KeyInstanceID    = "instanceID"
	KeyIndex         = "index"
	KeyFollowUp      = "followUp"
	KeyScheduledTime = "scheduledTime"
	KeyIsFollowUp    = "isFollowUp"
	KeyIsBackup      = "isBackup"
	KeyIsSnooze      = "isSnooze"
)

// Payload is the structured content attached to every notification request.
type Payload struct {
	AlarmID       string
	InstanceID    string
	Index         int
	FollowUp      int
	ScheduledTime time.Time
	IsFollowUp    bool
	IsBackup      bool
	IsSnooze      bool
}

// Purpose derives the notification purpose from the payload flags.
func (p Payload) Purpose() Purpose {
	switch {
	case p.IsSnooze && p.IsFollowUp:
		return PurposeSnoozeFollowUp
	case p.IsSnooze && p.IsBackup:
		return PurposeSnoozeBackup
	case p.IsSnooze:
		return PurposeSnooze
	case p.IsFollowUp:
		return PurposeFollowUp
	case p.IsBackup:
		return PurposeBackup
	default:
		return PurposePrimary
	}
}

// Identifier renders the notification ticket for the payload.
func (p Payload) Identifier() string {
	return Identifier(p.AlarmID, p.InstanceID, p.Purpose(), p.disambiguator())
}

func (p Payload) disambiguator() string {
	if p.IsFollowUp {
		return fmt.Sprintf("%d-%d", p.Index, p.FollowUp)
	}
	return strconv.Itoa(p.Index)
}

// Map encodes the payload into the key-value wire format.
func (p Payload) Map() map[string]string {
	m := map[string]string{
		KeyAlarmID:    p.AlarmID,
		KeyIndex:      strconv.Itoa(p.Index),
		KeyIsFollowUp: strconv.FormatBool(p.IsFollowUp),
		KeyIsBackup:   strconv.FormatBool(p.IsBackup),
		KeyIsSnooze:   strconv.FormatBool(p.IsSnooze),
	}
	if p.InstanceID != "" {
		m[KeyInstanceID] = p.InstanceID
	}
	if p.IsFollowUp {
		m[KeyFollowUp] = strconv.Itoa(p.FollowUp)
	}
	if !p.ScheduledTime.IsZero() {
		m[KeyScheduledTime] = p.ScheduledTime.Format(time.RFC3339)
	}
	return m
}

// PayloadFromMap decodes the wire format. It reports false when the map does
// not carry an alarm id, in which case callers fall back to ParseIdentifier.
func PayloadFromMap(m map[string]string) (Payload, bool) {
	alarmID := strings.TrimSpace(m[KeyAlarmID])
	if alarmID == "" {
		return Payload{}, false
	}

	p := Payload{
		AlarmID:    alarmID,
		InstanceID: strings.TrimSpace(m[KeyInstanceID]),
		IsFollowUp: m[KeyIsFollowUp] == "true",
		IsBackup:   m[KeyIsBackup] == "true",
		IsSnooze:   m[KeyIsSnooze] == "true",
	}
	if v, err := strconv.Atoi(m[KeyIndex]); err == nil {
		p.Index = v
	}
	if v, err := strconv.Atoi(m[KeyFollowUp]); err == nil {
		p.FollowUp = v
	}
	if v, err := time.Parse(time.RFC3339, m[KeyScheduledTime]); err == nil {
		p.ScheduledTime = v
	}
	return p, true
}

const (
	identifierPrefix   = "alarm_"
	identifierInstance = "_instance_"
)

// Identifier builds alarm_<alarmID>[_instance_<instanceID>]_<purpose>_<disambiguator>.
func Identifier(alarmID, instanceID string, purpose Purpose, disambiguator string) string {
	var b strings.Builder
	b.WriteString(identifierPrefix)
	b.WriteString(alarmID)
	if instanceID != "" {
		b.WriteString(identifierInstance)
		b.WriteString(instanceID)
	}
	b.WriteByte('_')
	b.WriteString(string(purpose))
	b.WriteByte('_')
	b.WriteString(disambiguator)
	return b.String()
}

// ParsedIdentifier is the result of decoding a notification ticket.
type ParsedIdentifier struct {
	AlarmID       string
	InstanceID    string
	Purpose       Purpose
	Disambiguator string
}

// ParseIdentifier decodes a ticket produced by Identifier. It is only used
// when a delivered notification carries no usable payload.
func ParseIdentifier(identifier string) (ParsedIdentifier, bool) {
	if !strings.HasPrefix(identifier, identifierPrefix) {
		return ParsedIdentifier{}, false
	}
	rest := strings.TrimPrefix(identifier, identifierPrefix)

	// purpose and disambiguator are always the two right-most segments
	lastSep := strings.LastIndexByte(rest, '_')
	if lastSep <= 0 {
		return ParsedIdentifier{}, false
	}
	disambiguator := rest[lastSep+1:]
	rest = rest[:lastSep]

	purposeSep := strings.LastIndexByte(rest, '_')
	if purposeSep <= 0 {
		return ParsedIdentifier{}, false
	}
	purpose := Purpose(rest[purposeSep+1:])
	rest = rest[:purposeSep]

	parsed := ParsedIdentifier{Purpose: purpose, Disambiguator: disambiguator}
	if idx := strings.Index(rest, identifierInstance); idx >= 0 {
		parsed.AlarmID = rest[:idx]
		parsed.InstanceID = rest[idx+len(identifierInstance):]
	} else {
		parsed.AlarmID = rest
	}

	if parsed.AlarmID == "" || disambiguator == "" || !knownPurpose(purpose) {
		return ParsedIdentifier{}, false
	}
	return parsed, true
}

func knownPurpose(p Purpose) bool {
	switch p {
	case PurposePrimary, PurposeFollowUp, PurposeBackup, PurposeSnooze, PurposeSnoozeFollowUp, PurposeSnoozeBackup:
		return true
	default:
		return false
	}
}
