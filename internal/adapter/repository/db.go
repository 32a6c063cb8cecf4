package repository

import (
	"github.com/chiwei-platform/workload-engine/internal/domain"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

func OpenDB(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&ClusterModel{},
		&APIServerModel{},
		&WlAppModel{},
		&ConfigModel{},
		&BuildModel{},
		&BuildProcessModel{},
		&ReleaseModel{},
		&ProcessSpecModel{},
		&ProcessSpecPlanModel{},
		&AppDomainModel{},
		&AppDomainSharedCertModel{},
		&AppModelResourceModel{},
		&AppModelRevisionModel{},
		&AppModelDeployModel{},
		&ImageCredentialModel{},
		&DeploymentModel{},
		&DeployPhaseModel{},
		&DeployStepModel{},
		&DeployEventModel{},
		&PollerMetaModel{},
	); err != nil {
		return nil, err
	}

	if err := seedBuiltinPlans(db); err != nil {
		return nil, err
	}

	return db, nil
}

// seedBuiltinPlans 播种内建资源套餐。已存在的行不覆盖，
// 运维手工调整的 max_replicas 在重启后保留。
func seedBuiltinPlans(db *gorm.DB) error {
	for _, plan := range domain.BuiltinPlans() {
		p := plan
		m, err := planToModel(&p)
		if err != nil {
			return err
		}
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(m).Error; err != nil {
			return err
		}
	}
	return nil
}
