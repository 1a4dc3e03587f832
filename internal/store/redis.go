package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis is the Store backed by a Redis instance, used when pairings must
// survive relay restarts.
//
// Key layout:
//
//	wimz:user:<id>            hash   user record
//	wimz:user_email:<email>   string user id
//	wimz:device:<id>          hash   device record
//	wimz:pairing_code:<code>  string device id
//	wimz:pairings             hash   device id -> user id
//	wimz:dogs:<user>          list   dog records (JSON)
//	wimz:metrics:<user>:<dog> zset   metric entries (JSON), scored by unix time
//	wimz:missions:<user>:<dog> zset  mission entries (JSON), scored by unix time
type Redis struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedis(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Redis{rdb: redis.NewClient(opts), now: time.Now}, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

func userKey(id string) string       { return "wimz:user:" + id }
func emailKey(email string) string   { return "wimz:user_email:" + strings.ToLower(email) }
func deviceKey(id string) string     { return "wimz:device:" + id }
func pairCodeKey(code string) string { return "wimz:pairing_code:" + strings.ToUpper(code) }
func dogsKey(userID string) string   { return "wimz:dogs:" + userID }

func metricsKey(userID, dogID string) string  { return "wimz:metrics:" + userID + ":" + dogID }
func missionsKey(userID, dogID string) string { return "wimz:missions:" + userID + ":" + dogID }

const pairingsKey = "wimz:pairings"

func (r *Redis) CreateUser(ctx context.Context, email, passwordHash string) (User, error) {
	u := User{
		ID:           "user_" + uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    r.now().UTC(),
	}
	ok, err := r.rdb.SetNX(ctx, emailKey(email), u.ID, 0).Result()
	if err != nil {
		return User{}, err
	}
	if !ok {
		return User{}, ErrAlreadyExists
	}
	err = r.rdb.HSet(ctx, userKey(u.ID), map[string]any{
		"email":         u.Email,
		"password_hash": u.PasswordHash,
		"created_at":    u.CreatedAt.Format(time.RFC3339),
	}).Err()
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func (r *Redis) GetUser(ctx context.Context, userID string) (User, error) {
	fields, err := r.rdb.HGetAll(ctx, userKey(userID)).Result()
	if err != nil {
		return User{}, err
	}
	if len(fields) == 0 {
		return User{}, ErrNotFound
	}
	u := User{
		ID:           userID,
		Email:        fields["email"],
		PasswordHash: fields["password_hash"],
	}
	if ts := fields["created_at"]; ts != "" {
		u.CreatedAt, _ = time.Parse(time.RFC3339, ts)
	}
	return u, nil
}

func (r *Redis) GetUserByEmail(ctx context.Context, email string) (User, error) {
	id, err := r.rdb.Get(ctx, emailKey(email)).Result()
	if errors.Is(err, redis.Nil) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	return r.GetUser(ctx, id)
}

func (r *Redis) RegisterDevice(ctx context.Context, deviceID, name, pairingCode string) (Device, error) {
	prev, err := r.rdb.HGet(ctx, deviceKey(deviceID), "pairing_code").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Device{}, err
	}
	pipe := r.rdb.TxPipeline()
	if prev != "" && prev != pairingCode {
		pipe.Del(ctx, pairCodeKey(prev))
	}
	pipe.HSet(ctx, deviceKey(deviceID), "name", name, "pairing_code", pairingCode)
	if pairingCode != "" {
		pipe.Set(ctx, pairCodeKey(pairingCode), deviceID, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return Device{}, err
	}
	return r.GetDevice(ctx, deviceID)
}

func (r *Redis) GetDevice(ctx context.Context, deviceID string) (Device, error) {
	fields, err := r.rdb.HGetAll(ctx, deviceKey(deviceID)).Result()
	if err != nil {
		return Device{}, err
	}
	if len(fields) == 0 {
		return Device{}, ErrNotFound
	}
	d := decodeDevice(deviceID, fields)
	owner, err := r.GetDeviceOwner(ctx, deviceID)
	if err != nil {
		return Device{}, err
	}
	d.OwnerID = owner
	return d, nil
}

func decodeDevice(deviceID string, fields map[string]string) Device {
	d := Device{
		ID:          deviceID,
		Name:        fields["name"],
		PairingCode: fields["pairing_code"],
	}
	d.Online, _ = strconv.ParseBool(fields["online"])
	if ts := fields["last_seen"]; ts != "" {
		d.LastSeen, _ = time.Parse(time.RFC3339, ts)
	}
	return d
}

func (r *Redis) GetDeviceByPairingCode(ctx context.Context, code string) (Device, error) {
	id, err := r.rdb.Get(ctx, pairCodeKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return Device{}, ErrNotFound
	}
	if err != nil {
		return Device{}, err
	}
	return r.GetDevice(ctx, id)
}

func (r *Redis) ListUserDevices(ctx context.Context, userID string) ([]Device, error) {
	pairings, err := r.GetAllDevicePairings(ctx)
	if err != nil {
		return nil, err
	}
	var out []Device
	for deviceID, owner := range pairings {
		if owner != userID {
			continue
		}
		fields, err := r.rdb.HGetAll(ctx, deviceKey(deviceID)).Result()
		if err != nil {
			return nil, err
		}
		d := decodeDevice(deviceID, fields)
		d.OwnerID = owner
		out = append(out, d)
	}
	return out, nil
}

func (r *Redis) SetDeviceOnline(ctx context.Context, deviceID string, online bool) error {
	return r.rdb.HSet(ctx, deviceKey(deviceID),
		"online", strconv.FormatBool(online),
		"last_seen", r.now().UTC().Format(time.RFC3339),
	).Err()
}

func (r *Redis) GetDeviceOwner(ctx context.Context, deviceID string) (string, error) {
	owner, err := r.rdb.HGet(ctx, pairingsKey, deviceID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return owner, err
}

func (r *Redis) CreateDevicePairing(ctx context.Context, userID, deviceID string) error {
	return r.rdb.HSet(ctx, pairingsKey, deviceID, userID).Err()
}

func (r *Redis) DeleteDevicePairing(ctx context.Context, deviceID string) error {
	return r.rdb.HDel(ctx, pairingsKey, deviceID).Err()
}

func (r *Redis) GetAllDevicePairings(ctx context.Context) (map[string]string, error) {
	return r.rdb.HGetAll(ctx, pairingsKey).Result()
}

// AddDog seeds a dog profile, mirroring Memory.AddDog for provisioning
// tooling.
func (r *Redis) AddDog(ctx context.Context, dog Dog) error {
	raw, err := json.Marshal(dog)
	if err != nil {
		return err
	}
	return r.rdb.RPush(ctx, dogsKey(dog.OwnerID), raw).Err()
}

func (r *Redis) GetUserDogs(ctx context.Context, userID string) ([]Dog, error) {
	raws, err := r.rdb.LRange(ctx, dogsKey(userID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Dog, 0, len(raws))
	for _, raw := range raws {
		var d Dog
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("decode dog record: %w", err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *Redis) GetMetrics(ctx context.Context, dogID, userID string, since time.Time) (map[string]float64, error) {
	min := strconv.FormatInt(since.Unix(), 10)

	out := make(map[string]float64)
	raws, err := r.rdb.ZRangeByScore(ctx, metricsKey(userID, dogID), &redis.ZRangeBy{Min: min, Max: "+inf"}).Result()
	if err != nil {
		return nil, err
	}
	for _, raw := range raws {
		var e struct {
			Type  string  `json:"type"`
			Value float64 `json:"value"`
		}
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		out[e.Type] += e.Value
	}

	missions, err := r.rdb.ZCount(ctx, missionsKey(userID, dogID), min, "+inf").Result()
	if err != nil {
		return nil, err
	}
	if missions > 0 {
		out["missions"] = float64(missions)
	}
	return out, nil
}

func (r *Redis) LogMetric(ctx context.Context, dogID, userID, metricType string, value float64) error {
	now := r.now().UTC()
	raw, err := json.Marshal(map[string]any{
		"type":  metricType,
		"value": value,
		"at":    now.Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	return r.rdb.ZAdd(ctx, metricsKey(userID, dogID), redis.Z{
		Score:  float64(now.Unix()),
		Member: raw,
	}).Err()
}

func (r *Redis) LogMission(ctx context.Context, dogID, userID, missionType, result, details string) error {
	now := r.now().UTC()
	raw, err := json.Marshal(map[string]any{
		"type":    missionType,
		"result":  result,
		"details": details,
		"at":      now.Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	return r.rdb.ZAdd(ctx, missionsKey(userID, dogID), redis.Z{
		Score:  float64(now.Unix()),
		Member: raw,
	}).Err()
}
