package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"taybat_back_end/internal/dispatch"
	"taybat_back_end/internal/eligibility"
	"taybat_back_end/internal/events"
	"taybat_back_end/internal/models"
	"taybat_back_end/internal/pricing"

	"github.com/joho/godotenv"
)

type Config struct {
	Port       string
	JWTSecret  string
	CORSOrigin []string

	// Stockage : sans SCYLLA_HOSTS tout reste en mémoire (mode local).
	ScyllaHosts    []string
	ScyllaKeyspace string
	ScyllaUser     string
	ScyllaPassword string
	ScyllaCAPath   string

	RedisAddr     string
	RedisPassword string
	LockTTL       time.Duration

	StripeSecretKey string
	Currency        string
	PaymentAttempts int
	PaymentBackoff  time.Duration

	FoodDeliveryFee models.Money
	ServiceFee      models.Money
	Rates           pricing.RateTable

	Dispatch     dispatch.Policy
	Eligibility  eligibility.Policy
	SweepEvery   time.Duration
	EventBuffer  int
	EventRetries int
	// EventRedeliverEvery : période de relecture de l'outbox.
	EventRedeliverEvery time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	ElasticURL      string
	ElasticUser     string
	ElasticPassword string
	ElasticIndex    string

	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string
}

// Load lit .env s'il existe puis construit la configuration.
func Load() Config {
	err := godotenv.Load(".env")
	if err != nil {
		log.Println("⚠️  Aucun fichier .env trouvé, on continue avec les variables d'environnement du système")
	} else {
		log.Println("✅ Fichier .env chargé avec succès")
	}
	return FromEnv()
}

// FromEnv : valeurs par défaut pour tout ce qui n'est pas défini.
func FromEnv() Config {
	return Config{
		Port:       str("PORT", "8080"),
		JWTSecret:  os.Getenv("JWT_SECRET"),
		CORSOrigin: list("CORS_ORIGINS", "http://localhost:3000"),

		ScyllaHosts:    list("SCYLLA_HOSTS", ""),
		ScyllaKeyspace: str("SCYLLA_KEYSPACE", "taybat"),
		ScyllaUser:     os.Getenv("SCYLLA_USER"),
		ScyllaPassword: os.Getenv("SCYLLA_PASSWORD"),
		ScyllaCAPath:   os.Getenv("SCYLLA_SSL_CA_PATH"),

		RedisAddr:     os.Getenv("REDIS_HOST"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		LockTTL:       duration("LOCK_TTL", 10*time.Second),

		StripeSecretKey: os.Getenv("STRIPE_SECRET_KEY"),
		Currency:        str("CURRENCY", "eur"),
		PaymentAttempts: integer("PAYMENT_ATTEMPTS", 3),
		PaymentBackoff:  duration("PAYMENT_BACKOFF", 200*time.Millisecond),

		FoodDeliveryFee: money("PRICING_FOOD_DELIVERY_FEE", 200),
		ServiceFee:      money("PRICING_SERVICE_FEE", 0),
		Rates:           rates(),

		Dispatch: dispatch.Policy{
			Mode:         dispatch.Mode(str("DISPATCH_MODE", string(dispatch.ModeBatch))),
			BatchSize:    integer("DISPATCH_BATCH_SIZE", 3),
			AcceptWindow: duration("DISPATCH_ACCEPT_WINDOW", 30*time.Second),
			MaxCycles:    integer("DISPATCH_MAX_CYCLES", 5),
			RetryDelay:   duration("DISPATCH_RETRY_DELAY", 15*time.Second),
			OnExhausted:  dispatch.ExhaustedAction(str("DISPATCH_ON_EXHAUSTED", string(dispatch.ExhaustedManual))),
		},
		Eligibility: eligibility.Policy{
			RadiusKm:           float("DISPATCH_RADIUS_KM", 5),
			MaxLocationAge:     duration("DISPATCH_MAX_LOCATION_AGE", 5*time.Minute),
			TaxiMaxLocationAge: duration("DISPATCH_TAXI_MAX_LOCATION_AGE", time.Minute),
			WeightDistance:     float("DISPATCH_WEIGHT_DISTANCE", 0.6),
			WeightRating:       float("DISPATCH_WEIGHT_RATING", 0.3),
			WeightIdle:         float("DISPATCH_WEIGHT_IDLE", 0.1),
			IdleCap:            duration("DISPATCH_IDLE_CAP", time.Hour),
		},
		SweepEvery:   duration("DISPATCH_SWEEP_EVERY", 5*time.Second),
		EventBuffer:  integer("EVENTS_BUFFER", 1024),
		EventRetries: integer("EVENTS_RETRIES", 3),

		EventRedeliverEvery: duration("EVENTS_REDELIVER_EVERY", 30*time.Second),

		KafkaBrokers: events.ParseBrokers(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   str("KAFKA_TOPIC", "order-events"),

		ElasticURL:      os.Getenv("ELASTIC_URL"),
		ElasticUser:     os.Getenv("ELASTIC_USER"),
		ElasticPassword: os.Getenv("ELASTIC_PASSWORD"),
		ElasticIndex:    str("ELASTIC_INDEX", "order-events"),

		SMTPHost:     os.Getenv("SMTP_HOST"),
		SMTPPort:     integer("SMTP_PORT", 587),
		SMTPUser:     os.Getenv("SMTP_USER"),
		SMTPPassword: os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:     str("SMTP_FROM", "noreply@taybat.app"),
	}
}

func str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func list(key, def string) []string {
	var out []string
	for _, p := range strings.Split(str(key, def), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func integer(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("⚠️ %s invalide (%q), valeur par défaut %d", key, v, def)
		return def
	}
	return n
}

func float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("⚠️ %s invalide (%q), valeur par défaut %v", key, v, def)
		return def
	}
	return f
}

func duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("⚠️ %s invalide (%q), valeur par défaut %s", key, v, def)
		return def
	}
	return d
}

func money(key string, def models.Money) models.Money {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	m, err := models.ParseMoney(v)
	if err != nil {
		log.Printf("⚠️ %s invalide (%q), valeur par défaut %s", key, v, def)
		return def
	}
	return m
}

// rates part de la grille par défaut. Chaque valeur se surcharge par
// PRICING_RATE_{TAXI|SHIPPING}_{VEHICULE}_{BASE|PER_KM|PER_KG} et
// PRICING_SPEED_{VEHICULE} (km/h).
func rates() pricing.RateTable {
	t := pricing.DefaultRates()
	for _, group := range []struct {
		name  string
		table map[models.VehicleType]pricing.Rate
	}{
		{"TAXI", t.Taxi},
		{"SHIPPING", t.Shipping},
	} {
		for vehicle, r := range group.table {
			prefix := "PRICING_RATE_" + group.name + "_" + strings.ToUpper(string(vehicle)) + "_"
			r.Base = money(prefix+"BASE", r.Base)
			r.PerKm = money(prefix+"PER_KM", r.PerKm)
			r.PerKg = money(prefix+"PER_KG", r.PerKg)
			group.table[vehicle] = r
		}
	}
	for vehicle, speed := range t.SpeedsKmh {
		t.SpeedsKmh[vehicle] = float("PRICING_SPEED_"+strings.ToUpper(string(vehicle)), speed)
	}
	return t
}
