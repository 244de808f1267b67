package db

// Config selects the dialect and pool sizing for the shared gorm
// connection. Lifetimes are in seconds; zero values leave the
// database/sql defaults in place.
type Config struct {
	Type            string // mysql, postgres or sqlite
	Host            string
	Port            string
	Name            string
	User            string
	Password        string
	SSLMode         string
	MaxIdleConn     int
	MaxOpenConn     int
	ConnMaxLifetime int
	ConnMaxIdleTime int
}
