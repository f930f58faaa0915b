package test

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/pkg/errors"

	pg "github.com/code-payments/flipcash2-billing/database/postgres"
)

const (
	containerName     = "postgres"
	containerVersion  = "16-alpine"
	containerExpiry   = 300 // seconds
	connectionTimeout = 2 * time.Minute

	testUser     = "billing"
	testPassword = "billing"
	testDatabase = "billing"
)

type TestEnv struct {
	TestPool    *dockertest.Pool
	Resource    *dockertest.Resource
	DatabaseUrl string
}

// NewTestEnv starts a throwaway postgres container and applies the provided
// schema statements to it.
func NewTestEnv(ctx context.Context, schema ...string) (*TestEnv, error) {
	testPool, err := dockertest.NewPool("")
	if err != nil {
		return nil, errors.Wrap(err, "error creating docker pool")
	}

	resource, err := testPool.RunWithOptions(
		&dockertest.RunOptions{
			Repository: containerName,
			Tag:        containerVersion,
			Env: []string{
				"POSTGRES_USER=" + testUser,
				"POSTGRES_PASSWORD=" + testPassword,
				"POSTGRES_DB=" + testDatabase,
			},
		},
		func(config *docker.HostConfig) {
			config.AutoRemove = true
			config.RestartPolicy = docker.RestartPolicy{Name: "no"}
		},
	)
	if err != nil {
		return nil, errors.Wrap(err, "error starting postgres container")
	}
	resource.Expire(containerExpiry)

	databaseUrl := fmt.Sprintf(
		"postgres://%s:%s@%s/%s?sslmode=disable",
		testUser,
		testPassword,
		resource.GetHostPort("5432/tcp"),
		testDatabase,
	)

	env := &TestEnv{
		TestPool:    testPool,
		Resource:    resource,
		DatabaseUrl: databaseUrl,
	}

	testPool.MaxWait = connectionTimeout
	err = testPool.Retry(func() error {
		pool, err := pgxpool.New(ctx, databaseUrl)
		if err != nil {
			return err
		}
		defer pool.Close()
		return pool.Ping(ctx)
	})
	if err != nil {
		env.Close()
		return nil, errors.Wrap(err, "error waiting for postgres")
	}

	pool, err := pgxpool.New(ctx, databaseUrl)
	if err != nil {
		env.Close()
		return nil, err
	}
	defer pool.Close()

	if err := pg.ApplySchema(ctx, pool, schema...); err != nil {
		env.Close()
		return nil, err
	}

	return env, nil
}

func (e *TestEnv) Close() {
	if e.Resource != nil {
		e.TestPool.Purge(e.Resource)
	}
}
