package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"taybat_back_end/internal/config"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/gocql/gocql"
	"github.com/redis/go-redis/v9"
)

// Clients regroupe les connexions ouvertes ; un champ nil = service non configuré.
type Clients struct {
	Scylla  *gocql.Session
	Redis   *redis.Client
	Elastic *elasticsearch.Client
}

// Connect ouvre les connexions configurées. Rien de configuré : mode mémoire.
func Connect(ctx context.Context, cfg config.Config) (*Clients, error) {
	c := &Clients{}

	if len(cfg.ScyllaHosts) > 0 {
		session, err := connectScylla(cfg)
		if err != nil {
			return nil, err
		}
		c.Scylla = session
	}

	if cfg.RedisAddr != "" {
		client, err := connectRedis(ctx, cfg)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.Redis = client
	}

	if cfg.ElasticURL != "" {
		client, err := connectElastic(cfg)
		if err != nil {
			// l'indexation des événements n'est pas critique
			log.Printf("⚠️ Elasticsearch indisponible, indexation désactivée: %v", err)
		} else {
			c.Elastic = client
		}
	}

	log.Printf("✅ Connexions prêtes (scylla=%t redis=%t elastic=%t)", c.Scylla != nil, c.Redis != nil, c.Elastic != nil)
	return c, nil
}

func (c *Clients) Close() {
	if c.Scylla != nil {
		c.Scylla.Close()
		log.Println("🔌 Session ScyllaDB fermée")
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			log.Printf("⚠️ Fermeture Redis: %v", err)
		}
	}
}

// =============================================
// SCYLLA DB
// =============================================

func connectScylla(cfg config.Config) (*gocql.Session, error) {
	cluster := gocql.NewCluster(cfg.ScyllaHosts...)
	cluster.Keyspace = cfg.ScyllaKeyspace
	cluster.Consistency = gocql.Quorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 5 * time.Second
	cluster.NumConns = 20
	cluster.MaxWaitSchemaAgreement = 30 * time.Second
	cluster.ReconnectInterval = 1 * time.Second
	cluster.PoolConfig.HostSelectionPolicy = gocql.TokenAwareHostPolicy(gocql.RoundRobinHostPolicy())

	if cfg.ScyllaUser != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.ScyllaUser,
			Password: cfg.ScyllaPassword,
		}
	}
	if cfg.ScyllaCAPath != "" {
		cluster.SslOpts = &gocql.SslOptions{CaPath: cfg.ScyllaCAPath, EnableHostVerification: true}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("erreur création session ScyllaDB (%s): %w", cfg.ScyllaKeyspace, err)
	}
	log.Printf("✅ Session ScyllaDB pour keyspace '%s'", cfg.ScyllaKeyspace)
	return session, nil
}

// =============================================
// REDIS
// =============================================

func connectRedis(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("erreur connexion Redis: %w", err)
	}
	log.Println("✅ Connecté à Redis")
	return client, nil
}

// =============================================
// ELASTICSEARCH
// =============================================

func connectElastic(cfg config.Config) (*elasticsearch.Client, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.ElasticURL},
		Username:  cfg.ElasticUser,
		Password:  cfg.ElasticPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("erreur création client Elasticsearch: %w", err)
	}

	res, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("erreur connexion Elasticsearch: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("erreur connexion Elasticsearch: %s", res.Status())
	}
	log.Println("✅ Connecté à Elasticsearch")
	return client, nil
}
