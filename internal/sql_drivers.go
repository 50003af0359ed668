package internal

// database/sql drivers used by the watermill sql publisher and subscriber.
import (
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)
