package script

// Sample is served when no script has been provided yet.
const Sample = `<Alex> Welcome to Mysteries of the Mind, I'm Alex, joined as always by my curious co-host Rowan. Today we're diving into one of the most fascinating substances known to science.
<Rowan> And I have to say, I'm really excited about this one. We're talking about D M T, right? The compound that can make fifteen minutes feel like... forever?
<Alex> Exactly. Imagine experiencing what feels like an entire lifetime in just fifteen minutes. That's the reality of D M T, a molecule that's been baffling scientists and challenging our understanding of consciousness for decades.
<Rowan> It's pretty mind bending when you think about it... How can time stretch like that? And this isn't just some new designer drug, is it?
<Alex> Not at all. D M T has actually been used in Amazonian ceremonies for thousands of years. But what's really interesting is how it's now at the center of cutting edge research into consciousness, neuroscience, and even quantum physics.`
