package postgres

// Migrate creates or updates the tables of the given models.
func (p *Postgres) Migrate(models ...interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.client.AutoMigrate(models...)
}
