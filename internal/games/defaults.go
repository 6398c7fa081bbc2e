package games

import "github.com/hitoshi/gamepulse/internal/model"

func game(id, name, subreddit string) model.Game {
	g := model.Game{ID: id, Name: name}
	if subreddit != "" {
		g.Overrides = map[model.Platform]string{model.PlatformSocialNews: subreddit}
	}
	return g
}

// Default は組み込みのカタログを返す。
func Default() *Catalog {
	c := &Catalog{categories: []Category{
		{Name: "successful", Games: []model.Game{
			game("730", "Counter-Strike 2", "GlobalOffensive"),
			game("570", "Dota 2", "DotA2"),
			game("578080", "PUBG: BATTLEGROUNDS", "PUBATTLEGROUNDS"),
			game("1172470", "Apex Legends", "apexlegends"),
			game("1599340", "Lost Ark", "lostarkgame"),
			game("1091500", "Cyberpunk 2077", "cyberpunkgame"),
			game("1675200", "Baldur's Gate 3", "BaldursGate3"),
			game("1245620", "ELDEN RING", "Eldenring"),
		}},
		{Name: "declining", Games: []model.Game{
			game("1240440", "Babylon's Fall", ""),
			game("1262900", "New World", "newworldgame"),
			game("594650", "Hunt: Showdown", "HuntShowdown"),
			game("235960", "Natural Selection 2", "ns2"),
			game("233860", "Kenshi", "Kenshi"),
			game("292030", "The Witcher 3: Wild Hunt", "witcher"),
			game("252950", "Rocket League", "RocketLeague"),
		}},
		{Name: "experimental", Games: []model.Game{
			game("1938090", "Call of Duty: Modern Warfare III", "ModernWarfareIII"),
			game("1551360", "Forza Horizon 5", "ForzaHorizon"),
			game("1426210", "Constant Caliber", ""),
			game("1240520", "Redfall", "redfall"),
			game("1675920", "PAYDAY 3", "paydaytheheist"),
			game("1332820", "Hogwarts Legacy", "HarryPotterGame"),
		}},
	}}
	for i := range c.categories {
		for j := range c.categories[i].Games {
			c.categories[i].Games[j].Category = c.categories[i].Name
		}
	}
	return c
}
