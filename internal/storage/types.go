package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound            = errors.New("storage: not found")
	ErrAlreadyExists       = errors.New("storage: already exists")
	ErrStorageIO           = errors.New("storage: i/o failure")
	ErrEncoding            = errors.New("storage: encoding failure")
	ErrConstraintViolation = errors.New("storage: constraint violation")
	ErrSchemaTooNew        = errors.New("storage: schema version newer than code")
	ErrClosed              = errors.New("storage: store is closed")
)

// Account is the local user's encryption identity. Optional fields are nil
// when they have never been written.
type Account struct {
	UserID                           string
	DeviceID                         string
	BackupVersion                    *string
	DeviceTrackingStatus             []byte
	SyncToken                        *string
	GlobalBlacklistUnverifiedDevices bool
	OlmAccountData                   []byte
}

type Device struct {
	ID          string
	UserID      string
	IdentityKey *string
	Data        []byte
}

type User struct {
	ID                   string
	CrossSigningKeysData []byte
}

type RoomAlgorithm struct {
	RoomID                     string
	Algorithm                  *string
	BlacklistUnverifiedDevices bool
}

// OlmSession is a pairwise ratchet keyed by (ID, DeviceKey).
type OlmSession struct {
	ID                           string
	DeviceKey                    string
	LastReceivedMessageTimestamp time.Time
	SessionData                  []byte
}

type InboundGroupSession struct {
	ID          string
	SenderKey   string
	SessionData []byte
	BackedUp    bool
}

// SessionRef identifies an inbound group session.
type SessionRef struct {
	ID        string
	SenderKey string
}

func (s InboundGroupSession) Ref() SessionRef {
	return SessionRef{ID: s.ID, SenderKey: s.SenderKey}
}

type OutboundGroupSession struct {
	RoomID       string
	SessionID    string
	SessionData  []byte
	CreationTime time.Time
}

// UsersDevicesMap maps userID -> deviceID -> message index.
type UsersDevicesMap map[string]map[string]uint32

func (m UsersDevicesMap) Set(userID, deviceID string, index uint32) {
	devices, ok := m[userID]
	if !ok {
		devices = map[string]uint32{}
		m[userID] = devices
	}
	devices[deviceID] = index
}

func (m UsersDevicesMap) Len() int {
	n := 0
	for _, devices := range m {
		n += len(devices)
	}
	return n
}

// Recipient is one (user, device) pair a group session was shared with.
type Recipient struct {
	UserID   string
	DeviceID string
}

type RoomKeyRequestState uint8

const (
	RoomKeyRequestUnsent RoomKeyRequestState = iota
	RoomKeyRequestSent
	RoomKeyRequestCancellationPending
	RoomKeyRequestCancellationPendingAndWillResend
)

func (s RoomKeyRequestState) Valid() bool {
	return s <= RoomKeyRequestCancellationPendingAndWillResend
}

func (s RoomKeyRequestState) String() string {
	switch s {
	case RoomKeyRequestUnsent:
		return "unsent"
	case RoomKeyRequestSent:
		return "sent"
	case RoomKeyRequestCancellationPending:
		return "cancellation_pending"
	case RoomKeyRequestCancellationPendingAndWillResend:
		return "cancellation_pending_and_will_resend"
	default:
		return "unknown"
	}
}

type OutgoingRoomKeyRequest struct {
	ID                string
	CancellationTxnID *string
	RecipientsData    []byte
	RequestBodyString string
	RequestBodyHash   string
	State             RoomKeyRequestState
}

// IncomingRoomKeyRequest has no unique key; RowID is assigned on insert and
// only distinguishes duplicates of the same (RequestID, UserID, DeviceID).
type IncomingRoomKeyRequest struct {
	RowID           string
	RequestID       string
	UserID          string
	DeviceID        string
	RequestBodyData []byte
}

// Secret holds either a legacy plaintext value or an engine-encrypted
// value with its IV.
type Secret struct {
	ID              string
	Plaintext       *string
	EncryptedSecret []byte
	IV              []byte
}

// Stats reports row counts per table.
type Stats struct {
	SchemaVersion           int            `json:"schema_version"`
	Tables                  map[string]int `json:"tables"`
	InboundSessionsBackedUp int            `json:"inbound_sessions_backed_up"`
}

type AccountRepository interface {
	Create(ctx context.Context, userID, deviceID string) (*Account, error)
	Get(ctx context.Context, userID string) (*Account, error)
	Update(ctx context.Context, userID string, fn func(*Account) error) error
	Delete(ctx context.Context, userID string) error

	DeviceID(ctx context.Context, userID string) (string, error)
	SetDeviceID(ctx context.Context, userID, deviceID string) error
	SyncToken(ctx context.Context, userID string) (*string, error)
	SetSyncToken(ctx context.Context, userID, token string) error
	BackupVersion(ctx context.Context, userID string) (*string, error)
	SetBackupVersion(ctx context.Context, userID string, version *string) error
	DeviceTrackingStatus(ctx context.Context, userID string) ([]byte, error)
	SetDeviceTrackingStatus(ctx context.Context, userID string, data []byte) error
	GlobalBlacklistUnverifiedDevices(ctx context.Context, userID string) (bool, error)
	SetGlobalBlacklistUnverifiedDevices(ctx context.Context, userID string, blacklist bool) error
	OlmAccountData(ctx context.Context, userID string) ([]byte, error)
	SetOlmAccountData(ctx context.Context, userID string, data []byte) error
}

type DeviceRepository interface {
	Store(ctx context.Context, device *Device) error
	ReplaceForUser(ctx context.Context, userID string, devices []Device) error
	Get(ctx context.Context, userID, deviceID string) (*Device, error)
	GetByIdentityKey(ctx context.Context, identityKey string) (*Device, error)
	ListByUser(ctx context.Context, userID string) ([]Device, error)
	Delete(ctx context.Context, userID, deviceID string) error
}

type UserRepository interface {
	FindOrCreate(ctx context.Context, id string) (*User, error)
	Get(ctx context.Context, id string) (*User, error)
	CrossSigningKeys(ctx context.Context, id string) ([]byte, error)
	StoreCrossSigningKeys(ctx context.Context, id string, data []byte) error
	AllCrossSigningKeys(ctx context.Context) ([][]byte, error)
	Delete(ctx context.Context, id string) error
}

type RoomAlgorithmRepository interface {
	FindOrCreate(ctx context.Context, roomID string) (*RoomAlgorithm, error)
	Get(ctx context.Context, roomID string) (*RoomAlgorithm, error)
	List(ctx context.Context) ([]RoomAlgorithm, error)
	Algorithm(ctx context.Context, roomID string) (*string, error)
	SetAlgorithm(ctx context.Context, roomID, algorithm string) error
	BlacklistUnverifiedDevices(ctx context.Context, roomID string) (bool, error)
	SetBlacklistUnverifiedDevices(ctx context.Context, roomID string, blacklist bool) error
	Delete(ctx context.Context, roomID string) error
}

type OlmSessionRepository interface {
	Store(ctx context.Context, session *OlmSession) error
	Get(ctx context.Context, id, deviceKey string) (*OlmSession, error)
	ListByDeviceKey(ctx context.Context, deviceKey string) ([]OlmSession, error)
	Update(ctx context.Context, id, deviceKey string, fn func(*OlmSession) error) error
	Delete(ctx context.Context, id, deviceKey string) error
}

type InboundGroupSessionRepository interface {
	Store(ctx context.Context, sessions ...InboundGroupSession) error
	Get(ctx context.Context, id, senderKey string) (*InboundGroupSession, error)
	List(ctx context.Context) ([]InboundGroupSession, error)
	Update(ctx context.Context, id, senderKey string, fn func(*InboundGroupSession) error) error
	Delete(ctx context.Context, id, senderKey string) error

	Count(ctx context.Context, onlyBackedUp bool) (int, error)
	MarkBackedUp(ctx context.Context, refs ...SessionRef) error
	ResetBackupMarkers(ctx context.Context) error
	ListNotBackedUp(ctx context.Context, limit int) ([]InboundGroupSession, error)
}

type OutboundGroupSessionRepository interface {
	Store(ctx context.Context, session *OutboundGroupSession) error
	Get(ctx context.Context, roomID string) (*OutboundGroupSession, error)
	List(ctx context.Context) ([]OutboundGroupSession, error)
	Delete(ctx context.Context, roomID string) error
}

type SharedSessionRepository interface {
	RecordShare(ctx context.Context, roomID, sessionID string, recipients UsersDevicesMap) ([]Recipient, error)
	IndexFor(ctx context.Context, roomID, sessionID, userID, deviceID string) (*uint32, error)
	AllIndices(ctx context.Context, roomID, sessionID string) (UsersDevicesMap, error)
	DeleteSession(ctx context.Context, roomID, sessionID string) error
}

type OutgoingKeyRequestRepository interface {
	Store(ctx context.Context, req *OutgoingRoomKeyRequest) error
	Get(ctx context.Context, id string) (*OutgoingRoomKeyRequest, error)
	GetByRequestBodyHash(ctx context.Context, hash string) (*OutgoingRoomKeyRequest, error)
	GetByState(ctx context.Context, state RoomKeyRequestState) (*OutgoingRoomKeyRequest, error)
	ListByState(ctx context.Context, states ...RoomKeyRequestState) ([]OutgoingRoomKeyRequest, error)
	List(ctx context.Context) ([]OutgoingRoomKeyRequest, error)
	UpdateState(ctx context.Context, id string, state RoomKeyRequestState) error
	Delete(ctx context.Context, id string) error
}

type IncomingKeyRequestRepository interface {
	Store(ctx context.Context, req *IncomingRoomKeyRequest) error
	Get(ctx context.Context, requestID, userID, deviceID string) (*IncomingRoomKeyRequest, error)
	List(ctx context.Context) ([]IncomingRoomKeyRequest, error)
	Delete(ctx context.Context, requestID, userID, deviceID string) error
}

type SecretRepository interface {
	Store(ctx context.Context, secret *Secret) error
	Get(ctx context.Context, id string) (*Secret, error)
	Delete(ctx context.Context, id string) error
}
