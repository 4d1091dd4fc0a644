package catalog

import (
	"fmt"

	"pointsystem/internal/config"
	"pointsystem/internal/model"
)

const (
	KindCredits      = "credits"
	KindSubscription = "subscription"
)

// Product 可售商品
type Product struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Points    int64  `json:"points"`
	Price     string `json:"price"`
	Tier      string `json:"tier,omitempty"`     // basic / ultimate
	Interval  string `json:"interval,omitempty"` // monthly / yearly
}

// Catalog 商品目录，启动时从配置构建，之后只读
type Catalog struct {
	products map[string]Product
	ordered  []Product
}

func New(cfg config.ProductsConfig) (*Catalog, error) {
	c := &Catalog{products: make(map[string]Product)}
	for _, p := range cfg.Credits {
		if err := c.add(Product{
			ProductID: p.ProductID,
			Name:      p.Name,
			Kind:      KindCredits,
			Points:    p.Points,
			Price:     p.Price,
		}); err != nil {
			return nil, err
		}
	}
	for _, p := range cfg.Subscriptions {
		if p.Type != model.SubscriptionBasic && p.Type != model.SubscriptionUltimate {
			return nil, fmt.Errorf("订阅商品 %s 的等级不合法: %q", p.ProductID, p.Type)
		}
		interval := p.Interval
		if interval == "" {
			interval = model.IntervalMonthly
		}
		if err := c.add(Product{
			ProductID: p.ProductID,
			Name:      p.Name,
			Kind:      KindSubscription,
			Points:    p.Points,
			Price:     p.Price,
			Tier:      p.Type,
			Interval:  interval,
		}); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) add(p Product) error {
	if p.ProductID == "" {
		return fmt.Errorf("商品ID不能为空")
	}
	if p.Points <= 0 {
		return fmt.Errorf("商品 %s 的积分必须大于0", p.ProductID)
	}
	if _, ok := c.products[p.ProductID]; ok {
		return fmt.Errorf("商品ID重复: %s", p.ProductID)
	}
	c.products[p.ProductID] = p
	c.ordered = append(c.ordered, p)
	return nil
}

func (c *Catalog) Find(productID string) (Product, bool) {
	p, ok := c.products[productID]
	return p, ok
}

// FindSubscription 只匹配订阅商品
func (c *Catalog) FindSubscription(productID string) (Product, bool) {
	p, ok := c.products[productID]
	if !ok || p.Kind != KindSubscription {
		return Product{}, false
	}
	return p, true
}

func (c *Catalog) List() []Product {
	out := make([]Product, len(c.ordered))
	copy(out, c.ordered)
	return out
}
