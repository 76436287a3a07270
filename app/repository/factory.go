package repository

import (
	"sync"

	"gorm.io/gorm"
)

// Factory owns one instance of each repository for a database handle.
type Factory struct {
	users     UserRepository
	devices   DeviceRepository
	campaigns CampaignRepository
}

func NewFactory(db *gorm.DB) *Factory {
	return &Factory{
		users:     NewUserRepository(db),
		devices:   NewDeviceRepository(db),
		campaigns: NewCampaignRepository(db),
	}
}

func (f *Factory) Users() UserRepository         { return f.users }
func (f *Factory) Devices() DeviceRepository     { return f.devices }
func (f *Factory) Campaigns() CampaignRepository { return f.campaigns }

var (
	globalMu sync.RWMutex
	global   *Factory
)

// InitializeFactory installs the process-wide factory, replacing any earlier one.
func InitializeFactory(db *gorm.DB) *Factory {
	f := NewFactory(db)
	globalMu.Lock()
	global = f
	globalMu.Unlock()
	return f
}

// GetGlobalFactory panics until InitializeFactory has run.
func GetGlobalFactory() *Factory {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if global == nil {
		panic("repository: factory not initialized")
	}
	return global
}
